// Command duoclean removes self-enrolled student accounts from Duo. It defaults to
// whatever the config says; pass -dry-run to only report.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/classify"
	"duoclean.org/internal/cleanup"
	"duoclean.org/internal/config"
	"duoclean.org/internal/duo"
	"duoclean.org/internal/obs"
	"duoclean.org/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	log.SetFlags(0)
	var (
		configPath   = flag.String("config", os.Getenv("DUOCLEAN_CONFIG"), "Path to YAML config")
		ikey         = flag.String("ikey", "", "Duo integration key (or DUO_IKEY)")
		skey         = flag.String("skey", "", "Duo secret key (or DUO_SKEY)")
		host         = flag.String("host", "", "Duo API host (or DUO_HOST)")
		dryRun       = flag.Bool("dry-run", false, "Preview actions without making changes")
		rateLimitMS  = flag.Int("rate-limit-ms", 0, "Milliseconds between API calls (default 800)")
		usernameFile = flag.String("username-file", "", "File containing usernames to check, one per line")
		interactive  = flag.Bool("interactive", false, "Confirm each deletion")
		pattern      = flag.String("pattern", "", "Username pattern for student accounts")
		logDir       = flag.String("log-dir", "", "Directory for the run log and results CSV")
		backupDir    = flag.String("backup-dir", "", "Directory for pre-deletion backups")
		out          = flag.String("out", "", "Results CSV path (default <log-dir>/duo_cleanup_results_<timestamp>.csv)")
		dsn          = flag.String("dsn", "", "PostgreSQL DSN for run history (or DUOCLEAN_PG_DSN)")
		bulk         = flag.Bool("bulk", false, "Delete in bulk requests of up to 50 accounts")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Print(err)
		return 2
	}
	setIf(&cfg.Duo.IntegrationKey, *ikey)
	setIf(&cfg.Duo.SecretKey, *skey)
	setIf(&cfg.Duo.Host, *host)
	setIf(&cfg.Cleanup.Pattern, *pattern)
	setIf(&cfg.Cleanup.ResultsDir, *logDir)
	setIf(&cfg.Cleanup.BackupDir, *backupDir)
	setIf(&cfg.Store.DSN, *dsn)
	if *rateLimitMS > 0 {
		cfg.Duo.RateLimit = config.Duration{Duration: time.Duration(*rateLimitMS) * time.Millisecond}
	}
	if *bulk {
		cfg.Cleanup.UseBulk = true
	}

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, config.ErrMissingCredentials) {
			fmt.Fprintln(os.Stderr, "Error: missing required credentials.")
			fmt.Fprintln(os.Stderr, "Provide -ikey, -skey and -host or set:")
			fmt.Fprintln(os.Stderr, "  DUO_IKEY=your_integration_key")
			fmt.Fprintln(os.Stderr, "  DUO_SKEY=your_secret_key")
			fmt.Fprintln(os.Stderr, "  DUO_HOST=api-XXXXXXXX.duosecurity.com")
			return 1
		}
		log.Print(err)
		return 2
	}

	for _, dir := range []string{cfg.Cleanup.ResultsDir, cfg.Cleanup.BackupDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			log.Printf("create %s: %v", dir, err)
			return 1
		}
	}
	stamp := time.Now().Format("20060102_150405")
	logFile := filepath.Join(cfg.Cleanup.ResultsDir, "duo_cleanup_"+stamp+".log")
	resultsFile := *out
	if resultsFile == "" {
		resultsFile = filepath.Join(cfg.Cleanup.ResultsDir, "duo_cleanup_results_"+stamp+".csv")
	}

	lf, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		log.Printf("open log file: %v", err)
		return 1
	}
	defer lf.Close()
	obs.Logger().SetOutput(lf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = audit.WithActor(ctx, cliActor())

	backend, err := store.Open(ctx, cfg.Store.DSN, store.WithBackupDir(cfg.Cleanup.BackupDir))
	if err != nil {
		log.Print(err)
		return 1
	}
	defer backend.Close()

	client, err := duo.New(cfg.Credential(),
		duo.WithHTTPClient(&http.Client{Timeout: cfg.Duo.Timeout.Duration}),
		duo.WithLimiter(duo.NewLimiter(cfg.Duo.RateLimit.Duration)),
	)
	if err != nil {
		log.Print(err)
		return 1
	}
	classifier, err := classify.New(cfg.Cleanup.Pattern)
	if err != nil {
		log.Printf("pattern: %v", err)
		return 2
	}

	opts := []cleanup.Option{
		cleanup.WithClassifier(classifier),
		cleanup.WithPageSize(cfg.Cleanup.PageSize),
		cleanup.WithBatchSize(cfg.Cleanup.BatchSize),
		cleanup.WithBulk(cfg.Cleanup.UseBulk),
	}
	if *usernameFile != "" {
		names, err := readUsernames(*usernameFile)
		if err != nil {
			log.Print(err)
			return 1
		}
		fmt.Printf("Loaded %d usernames from %s\n", len(names), *usernameFile)
		opts = append(opts, cleanup.WithUsernames(names))
	} else {
		fmt.Println("Fetching all Duo users...")
	}
	mode := cleanup.ModeProduction
	if *dryRun {
		mode = cleanup.ModeDryRun
	}
	if *interactive && mode == cleanup.ModeProduction {
		opts = append(opts, cleanup.WithConfirm(newPrompter(os.Stdin, os.Stdout)))
	}

	orch := cleanup.New(client, backend, audit.NewRecorder(backend, nil), opts...)
	rec, runErr := orch.Run(ctx, mode)
	if rec.ID == "" {
		log.Printf("run not started: %v", runErr)
		return 1
	}

	outcomes, err := orch.Outcomes(context.WithoutCancel(ctx), rec.ID)
	if err != nil {
		log.Printf("load outcomes: %v", err)
	}
	printOutcomes(os.Stdout, outcomes)
	if err := writeResults(resultsFile, outcomes); err != nil {
		log.Printf("write results: %v", err)
	}

	printSummary(os.Stdout, rec, logFile, resultsFile, cfg.Cleanup.BackupDir)
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run %s failed: %v\n", rec.ID, runErr)
		return 1
	}
	return 0
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func writeResults(path string, outcomes []cleanup.AccountOutcome) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := cleanup.WriteCSV(f, outcomes); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func printSummary(w io.Writer, rec cleanup.OperationRecord, logFile, resultsFile, backupDir string) {
	line := "============================================================"
	fmt.Fprintln(w, "\n"+line)
	fmt.Fprintln(w, "SUMMARY ("+rec.Mode.String()+", run "+rec.ID+")")
	fmt.Fprintln(w, line)
	rows := []struct {
		label string
		n     int
	}{
		{"Total processed", rec.TotalScanned},
		{"Student accounts", rec.TotalCandidates},
		{"Not in Duo", rec.NotFound},
		{"Directory managed", rec.SkippedManaged},
		{"Deleted", rec.Succeeded},
		{"Would delete (dry run)", rec.WouldDelete},
		{"Errors", rec.Failed},
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%-24s %s\n", r.label+":", strconv.Itoa(r.n))
	}
	fmt.Fprintf(w, "\nLogs written to: %s\n", logFile)
	fmt.Fprintf(w, "Results CSV: %s\n", resultsFile)
	if rec.Mode == cleanup.ModeProduction && rec.Attempted > 0 {
		fmt.Fprintf(w, "Backups: %s\n", backupDir)
	}
}
