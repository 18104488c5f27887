package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/cleanup"
)

const pgErrUniqueViolation = "23505"

var ErrDuplicate = errors.New("pg: duplicate record")

type Store struct {
	db *sql.DB
}

var (
	_ cleanup.Store = (*Store)(nil)
	_ audit.Sink    = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Runs are sequential and rate limited; a small pool is plenty.
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const runColumns = `id, started_at, completed_at, mode, status, actor, total_scanned, total_candidates,
	skipped_managed, skipped_no_match, would_delete, attempted, succeeded, failed, not_found, error`

func (s *Store) CreateOperation(ctx context.Context, rec cleanup.OperationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		insert into cleanup_runs (`+runColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, runArgs(rec)...)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: run %s", ErrDuplicate, rec.ID)
	}
	return err
}

// UpdateOperation only touches runs that are still running.
func (s *Store) UpdateOperation(ctx context.Context, rec cleanup.OperationRecord) error {
	res, err := s.db.ExecContext(ctx, `
		update cleanup_runs set
			completed_at = $2, status = $3, total_scanned = $4, total_candidates = $5,
			skipped_managed = $6, skipped_no_match = $7, would_delete = $8, attempted = $9,
			succeeded = $10, failed = $11, not_found = $12, error = $13
		where id = $1 and status = 'running'
	`, updateArgs(rec)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetOperation(ctx, rec.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("pg: run %s already %s", rec.ID, cur.Status)
}

func (s *Store) GetOperation(ctx context.Context, id string) (cleanup.OperationRecord, error) {
	row := s.db.QueryRowContext(ctx, `select `+runColumns+` from cleanup_runs where id = $1`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cleanup.OperationRecord{}, fmt.Errorf("%w: %s", cleanup.ErrRunNotFound, id)
	}
	return rec, err
}

func (s *Store) ListOperations(ctx context.Context, limit int) ([]cleanup.OperationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select `+runColumns+`
		from cleanup_runs
		order by started_at desc, id desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []cleanup.OperationRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (cleanup.Stats, error) {
	var st cleanup.Stats
	err := s.db.QueryRowContext(ctx, `
		select count(*),
			count(*) filter (where status = 'completed'),
			count(*) filter (where status = 'failed'),
			coalesce(sum(succeeded) filter (where mode = 'production'), 0)
		from cleanup_runs
	`).Scan(&st.TotalRuns, &st.CompletedRuns, &st.FailedRuns, &st.TotalDeleted)
	if err != nil {
		return cleanup.Stats{}, err
	}
	if st.TotalRuns == 0 {
		return st, nil
	}
	last, err := s.ListOperations(ctx, 1)
	if err != nil {
		return cleanup.Stats{}, err
	}
	if len(last) == 1 {
		st.LastRun = &last[0]
	}
	return st, nil
}

func (s *Store) SaveBackup(ctx context.Context, snap cleanup.BackupSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		insert into user_backups (id, run_id, user_id, username, captured_at, payload)
		values ($1,$2,$3,$4,$5,$6)
	`, snap.ID, snap.RunID, snap.UserID, snap.Username, snap.CapturedAt, []byte(snap.Payload))
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: backup %s", ErrDuplicate, snap.ID)
	}
	return err
}

// Backups returns the snapshots captured for userID, newest first.
func (s *Store) Backups(ctx context.Context, userID string) ([]cleanup.BackupSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, run_id, user_id, username, captured_at, payload
		from user_backups where user_id = $1
		order by captured_at desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cleanup.BackupSnapshot
	for rows.Next() {
		var b cleanup.BackupSnapshot
		var payload []byte
		if err := rows.Scan(&b.ID, &b.RunID, &b.UserID, &b.Username, &b.CapturedAt, &payload); err != nil {
			return nil, err
		}
		b.Payload = payload
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) AppendOutcome(ctx context.Context, out cleanup.AccountOutcome) error {
	_, err := s.db.ExecContext(ctx, `
		insert into run_accounts (run_id, user_id, username, in_directory, sync_managed, action, result, error, recorded_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, out.RunID, out.UserID, out.Username, out.InDirectory, out.SyncManaged, out.Action, string(out.Result), out.Error, out.RecordedAt)
	return err
}

func (s *Store) ListOutcomes(ctx context.Context, runID string) ([]cleanup.AccountOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		select run_id, user_id, username, in_directory, sync_managed, action, result, error, recorded_at
		from run_accounts where run_id = $1
		order by seq asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []cleanup.AccountOutcome
	for rows.Next() {
		var o cleanup.AccountOutcome
		var result string
		if err := rows.Scan(&o.RunID, &o.UserID, &o.Username, &o.InDirectory, &o.SyncManaged, &o.Action, &result, &o.Error, &o.RecordedAt); err != nil {
			return nil, err
		}
		o.Result = cleanup.Result(result)
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) AppendAudit(ctx context.Context, e audit.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_entries (id, ts, actor, username, user_id, action, old_value, new_value,
			success, error_message, source_ip, request_id, run_id)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, e.ID, e.Timestamp, e.Actor, e.Username, e.UserID, e.Action.String(), e.OldValue, e.NewValue,
		e.Success, e.ErrorMessage, e.SourceIP, e.RequestID, e.RunID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: audit entry %s", ErrDuplicate, e.ID)
	}
	return err
}

// ListAudit returns matching entries newest first.
func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.Username != "" {
		args = append(args, strings.ToLower(f.Username))
		where = append(where, fmt.Sprintf("lower(username) = $%d", len(args)))
	}
	if f.Action != 0 {
		args = append(args, f.Action.String())
		where = append(where, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.RunID != "" {
		args = append(args, f.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	args = append(args, limit)

	query := `select id, ts, actor, username, user_id, action, old_value, new_value,
		success, error_message, source_ip, request_id, run_id from audit_entries`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	query += fmt.Sprintf(" order by seq desc limit $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var action string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Username, &e.UserID, &action, &e.OldValue, &e.NewValue,
			&e.Success, &e.ErrorMessage, &e.SourceIP, &e.RequestID, &e.RunID); err != nil {
			return nil, err
		}
		if e.Action, err = audit.ParseAction(action); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (cleanup.OperationRecord, error) {
	var (
		rec       cleanup.OperationRecord
		completed sql.NullTime
		mode      string
		status    string
	)
	err := row.Scan(&rec.ID, &rec.StartedAt, &completed, &mode, &status, &rec.Actor,
		&rec.TotalScanned, &rec.TotalCandidates, &rec.SkippedManaged, &rec.SkippedNoMatch,
		&rec.WouldDelete, &rec.Attempted, &rec.Succeeded, &rec.Failed, &rec.NotFound, &rec.Error)
	if err != nil {
		return cleanup.OperationRecord{}, err
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	if rec.Mode, err = cleanup.ParseMode(mode); err != nil {
		return cleanup.OperationRecord{}, err
	}
	rec.Status = cleanup.RunStatus(status)
	return rec, nil
}

func runArgs(rec cleanup.OperationRecord) []any {
	var completed sql.NullTime
	if rec.CompletedAt != nil {
		completed = sql.NullTime{Time: *rec.CompletedAt, Valid: true}
	}
	return []any{
		rec.ID, rec.StartedAt, completed, rec.Mode.String(), string(rec.Status), rec.Actor,
		rec.TotalScanned, rec.TotalCandidates, rec.SkippedManaged, rec.SkippedNoMatch,
		rec.WouldDelete, rec.Attempted, rec.Succeeded, rec.Failed, rec.NotFound, rec.Error,
	}
}

func updateArgs(rec cleanup.OperationRecord) []any {
	all := runArgs(rec)
	// id, completed_at, status, then the counters and error.
	return append([]any{all[0], all[2], all[4]}, all[6:]...)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
