// Command bypass looks up one Duo user and, after confirmation, changes their
// authentication status (for example to grant a temporary bypass).
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/bypass"
	"duoclean.org/internal/config"
	"duoclean.org/internal/duo"
	"duoclean.org/internal/store"
)

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", os.Getenv("DUOCLEAN_CONFIG"), "Path to YAML config")
		username   = flag.String("username", "", "Username to look up")
		statusFlag = flag.String("status", "", "New status: active, bypass, disabled or locked_out (empty: lookup only)")
		yes        = flag.Bool("yes", false, "Do not ask for confirmation")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN for the audit trail (or DUOCLEAN_PG_DSN)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	in := bufio.NewReader(os.Stdin)
	name := strings.TrimSpace(*username)
	if name == "" {
		name = ask(in, "Username: ")
	}
	if name == "" {
		log.Fatal("a username is required")
	}
	var target duo.Status
	if *statusFlag != "" {
		if target, err = duo.ParseStatus(*statusFlag); err != nil {
			log.Fatal(err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = audit.WithActor(ctx, actor())

	backend, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer backend.Close()

	client, err := duo.New(cfg.Credential(),
		duo.WithHTTPClient(&http.Client{Timeout: cfg.Duo.Timeout.Duration}),
		duo.WithLimiter(duo.NewLimiter(cfg.Duo.RateLimit.Duration)),
	)
	if err != nil {
		log.Fatal(err)
	}
	ctl := bypass.New(client, audit.NewRecorder(backend, nil))

	u, err := ctl.Find(ctx, name)
	switch {
	case errors.Is(err, audit.ErrNotPersisted):
		log.Fatalf("Audit trail unavailable, no change made: %v", err)
	case errors.Is(err, duo.ErrNotFound):
		fmt.Println("User not found")
		os.Exit(1)
	case errors.Is(err, duo.ErrAuthentication):
		log.Fatal("Authentication failed. Check your API credentials.")
	case errors.Is(err, duo.ErrRateLimited):
		log.Fatalf("Rate limit hit: %v", err)
	case err != nil:
		log.Fatalf("API error: %v", err)
	}
	printUser(os.Stdout, u)

	if target == duo.StatusUnknown {
		return
	}
	if target == u.Status {
		fmt.Printf("%s is already %s\n", u.Username, target)
		return
	}
	if !*yes {
		answer := ask(in, fmt.Sprintf("Change status of %s from %s to %s? [y/N]: ", u.Username, u.StatusName(), target))
		if a := strings.ToLower(answer); a != "y" && a != "yes" {
			fmt.Println("No change made")
			return
		}
	}
	updated, err := ctl.SetStatus(ctx, u.UserID, target)
	if err != nil {
		log.Fatalf("status change failed: %v", err)
	}
	fmt.Printf("Status of %s is now %s\n", updated.Username, updated.Status)
}

func ask(in *bufio.Reader, prompt string) string {
	fmt.Print(prompt)
	line, err := in.ReadString('\n')
	if err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimSpace(line)
}

func printUser(w io.Writer, u duo.User) {
	fmt.Fprintf(w, "Found user: %s\n", u.Username)
	fmt.Fprintf(w, "  user_id: %s\n", u.UserID)
	fmt.Fprintf(w, "  status:  %s\n", u.StatusName())
	if u.Email != "" {
		fmt.Fprintf(w, "  email:   %s\n", u.Email)
	}
	if u.SyncManaged() {
		fmt.Fprintln(w, "  managed by directory sync")
	}
}

func actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
