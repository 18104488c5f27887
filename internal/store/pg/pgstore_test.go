package pg

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/cleanup"
)

var runCols = []string{"id", "started_at", "completed_at", "mode", "status", "actor", "total_scanned", "total_candidates",
	"skipped_managed", "skipped_no_match", "would_delete", "attempted", "succeeded", "failed", "not_found", "error"}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func TestCreateOperation(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	rec := cleanup.OperationRecord{ID: "run-1", StartedAt: started, Mode: cleanup.ModeDryRun, Status: cleanup.StatusRunning, Actor: "ops"}

	mock.ExpectExec("insert into cleanup_runs").
		WithArgs("run-1", started, nil, "dry_run", "running", "ops", 0, 0, 0, 0, 0, 0, 0, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.CreateOperation(context.Background(), rec); err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}

	mock.ExpectExec("insert into cleanup_runs").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if err := s.CreateOperation(context.Background(), rec); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestUpdateOperationRejectsFinishedRun(t *testing.T) {
	s, mock := newMock(t)
	done := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	rec := cleanup.OperationRecord{ID: "run-1", Mode: cleanup.ModeProduction, Status: cleanup.StatusCompleted, CompletedAt: &done, Succeeded: 4, Attempted: 4}

	mock.ExpectExec("update cleanup_runs set").
		WithArgs("run-1", done, "completed", 0, 0, 0, 0, 0, 4, 4, 0, 0, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.UpdateOperation(context.Background(), rec); err != nil {
		t.Fatalf("UpdateOperation: %v", err)
	}

	mock.ExpectExec("update cleanup_runs set").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select .* from cleanup_runs where id").WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow("run-1", done, done, "production", "completed", "ops", 0, 0, 0, 0, 0, 4, 4, 0, 0, ""))
	err := s.UpdateOperation(context.Background(), rec)
	if err == nil || !strings.Contains(err.Error(), "already completed") {
		t.Fatalf("expected frozen run error, got %v", err)
	}
}

func TestGetOperation(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select .* from cleanup_runs where id").WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(runCols).AddRow("run-1", started, nil, "production", "running", "ops", 10, 3, 1, 6, 0, 2, 1, 1, 0, ""))
	rec, err := s.GetOperation(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("GetOperation: %v", err)
	}
	if rec.Mode != cleanup.ModeProduction || rec.Status != cleanup.StatusRunning || rec.CompletedAt != nil {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.TotalScanned != 10 || rec.TotalCandidates != 3 || rec.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", rec)
	}

	mock.ExpectQuery("select .* from cleanup_runs where id").WithArgs("missing").WillReturnRows(sqlmock.NewRows(runCols))
	if _, err := s.GetOperation(context.Background(), "missing"); !errors.Is(err, cleanup.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s, mock := newMock(t)
	started := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery("select count").WillReturnRows(sqlmock.NewRows([]string{"total", "completed", "failed", "deleted"}).AddRow(3, 2, 1, 41))
	mock.ExpectQuery("select .* from cleanup_runs\\s+order by started_at desc").WithArgs(1).
		WillReturnRows(sqlmock.NewRows(runCols).AddRow("run-3", started, started, "dry_run", "completed", "ops", 5, 1, 0, 4, 1, 0, 0, 0, 0, ""))

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalRuns != 3 || st.TotalDeleted != 41 || st.LastRun == nil || st.LastRun.ID != "run-3" {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	out := cleanup.AccountOutcome{RunID: "run-1", UserID: "DU1", Username: "123456", InDirectory: true, Action: "delete", Result: cleanup.ResultDeleted, RecordedAt: at}

	mock.ExpectExec("insert into run_accounts").
		WithArgs("run-1", "DU1", "123456", true, false, "delete", "deleted", "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.AppendOutcome(context.Background(), out); err != nil {
		t.Fatalf("AppendOutcome: %v", err)
	}

	mock.ExpectQuery("select run_id, user_id, username").WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"run_id", "user_id", "username", "in_directory", "sync_managed", "action", "result", "error", "recorded_at"}).
			AddRow("run-1", "DU1", "123456", true, false, "delete", "deleted", "", at))
	outs, err := s.ListOutcomes(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("ListOutcomes: %v", err)
	}
	if len(outs) != 1 || outs[0].Result != cleanup.ResultDeleted {
		t.Fatalf("unexpected outcomes: %+v", outs)
	}
}

func TestSaveBackup(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	payload := json.RawMessage(`{"user_id":"DU1"}`)

	mock.ExpectExec("insert into user_backups").
		WithArgs("snap-1", "run-1", "DU1", "123456", at, []byte(payload)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	err := s.SaveBackup(context.Background(), cleanup.BackupSnapshot{ID: "snap-1", RunID: "run-1", UserID: "DU1", Username: "123456", CapturedAt: at, Payload: payload})
	if err != nil {
		t.Fatalf("SaveBackup: %v", err)
	}
}

func TestAuditAppendAndFilter(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)
	e := audit.Entry{ID: "a1", Timestamp: at, Actor: "ops", Username: "123456", UserID: "DU1", Action: audit.ActionStatusChange,
		OldValue: "active", NewValue: "bypass", Success: true, SourceIP: "10.0.0.1", RequestID: "req-1"}

	mock.ExpectExec("insert into audit_entries").
		WithArgs("a1", at, "ops", "123456", "DU1", "status_change", "active", "bypass", true, "", "10.0.0.1", "req-1", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	if err := s.AppendAudit(context.Background(), e); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	cols := []string{"id", "ts", "actor", "username", "user_id", "action", "old_value", "new_value", "success", "error_message", "source_ip", "request_id", "run_id"}
	mock.ExpectQuery(`from audit_entries where lower\(username\) = \$1 and action = \$2 order by seq desc limit \$3`).
		WithArgs("123456", "status_change", 5).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("a1", at, "ops", "123456", "DU1", "status_change", "active", "bypass", true, "", "10.0.0.1", "req-1", ""))
	entries, err := s.ListAudit(context.Background(), audit.Filter{Username: "123456", Action: audit.ActionStatusChange, Limit: 5})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != audit.ActionStatusChange || entries[0].OldValue != "active" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for _, up := range ups {
		down := strings.TrimSuffix(up, ".up.sql") + ".down.sql"
		if _, err := fs.Stat(Migrations(), down); err != nil {
			t.Errorf("%s has no down migration", up)
		}
	}
}
