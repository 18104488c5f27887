package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/auth"
	"duoclean.org/internal/bypass"
	"duoclean.org/internal/classify"
	"duoclean.org/internal/cleanup"
	"duoclean.org/internal/config"
	"duoclean.org/internal/duo"
	"duoclean.org/internal/httpapi"
	"duoclean.org/internal/migrate"
	"duoclean.org/internal/obs"
	"duoclean.org/internal/store"
	"duoclean.org/internal/store/pg"
	"duoclean.org/internal/stream"
)

var (
	version = "0.3.0"
	commit  = ""
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("DUOCLEAN_CONFIG"), "Path to YAML config")
		runMigrate = flag.Bool("migrate", false, "Apply pending migrations before serving (PostgreSQL only)")
		issueFor   = flag.String("issue-token", "", "Print a bearer token for this subject and exit")
		roles      = flag.String("roles", auth.RoleViewer, "Comma separated roles for -issue-token")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	var tokens *auth.Issuer
	if cfg.HTTP.AuthSecret != "" {
		tokens, err = auth.NewIssuer(cfg.HTTP.AuthSecret, auth.WithTTL(cfg.HTTP.TokenTTL.Duration))
		if err != nil {
			log.Fatalf("auth: %v", err)
		}
	}
	if *issueFor != "" {
		if tokens == nil {
			log.Fatal("cannot issue tokens: set DUOCLEAN_AUTH_SECRET or http.auth_secret")
		}
		token, exp, err := tokens.Issue(*issueFor, strings.Split(*roles, ","))
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := store.Open(ctx, cfg.Store.DSN, store.WithBackupDir(cfg.Cleanup.BackupDir))
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer backend.Close()

	if *runMigrate {
		pgStore, ok := backend.(*pg.Store)
		if !ok {
			log.Fatal("-migrate requires a PostgreSQL DSN")
		}
		if err := migrate.NewManager(pgStore.DB(), pg.Migrations()).Up(ctx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	client, err := duo.New(cfg.Credential(),
		duo.WithHTTPClient(&http.Client{Timeout: cfg.Duo.Timeout.Duration}),
		duo.WithLimiter(duo.NewLimiter(cfg.Duo.RateLimit.Duration)),
	)
	if err != nil {
		log.Fatalf("duo: %v", err)
	}
	classifier, err := classify.New(cfg.Cleanup.Pattern)
	if err != nil {
		log.Fatalf("pattern: %v", err)
	}

	recorder := audit.NewRecorder(backend, nil)
	events := stream.New[cleanup.Event](64)
	runs := cleanup.New(client, backend, recorder,
		cleanup.WithEvents(func(e cleanup.Event) { events.Publish(e) }),
		cleanup.WithClassifier(classifier),
		cleanup.WithPageSize(cfg.Cleanup.PageSize),
		cleanup.WithBatchSize(cfg.Cleanup.BatchSize),
		cleanup.WithBulk(cfg.Cleanup.UseBulk),
	)

	if tokens == nil {
		obs.Log("warn", "auth_disabled", map[string]any{"reason": "no auth secret configured"})
	}

	// HTTP API
	api := httpapi.New(httpapi.ReadyProbe{Store: backend}, version, httpapi.Services{
		Runs:   runs,
		Bypass: bypass.New(client, recorder),
		Audit:  backend,
		Tokens: tokens,
		Events: events,
	}, httpapi.WithRateLimit(cfg.HTTP.RequestsPerSec, cfg.HTTP.Burst))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(), // уже обёрнут метриками в httpapi
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Outcome downloads of large runs can take a while.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	obs.Log("info", "api_starting", map[string]any{
		"version": version,
		"addr":    srv.Addr,
		"host":    cfg.Duo.Host,
		"pattern": classifier.Pattern(),
		"store":   fmt.Sprintf("%T", backend),
	})

	// graceful shutdown
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Printf("listen: %v", err)
	}
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout.Duration)
	defer cancel()
	api.CloseStreams()
	_ = srv.Shutdown(shutdownCtx)

	if id, ok := runs.Active(); ok {
		obs.Log("warn", "canceling_active_run", map[string]any{"run_id": id})
		_ = runs.Cancel(id)
	}
	runs.Wait()
	log.Println("Stopped")
}
