// Package store holds the in-process implementation of the run and audit stores,
// optionally mirroring pre-deletion backups to JSON files on disk.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/cleanup"
)

// InMemory implements cleanup.Store and audit.Sink. It is safe for concurrent use.
type InMemory struct {
	mu        sync.RWMutex
	ops       map[string]cleanup.OperationRecord
	outcomes  map[string][]cleanup.AccountOutcome
	backups   []cleanup.BackupSnapshot
	audit     []audit.Entry
	backupDir string
}

type Option func(*InMemory)

// WithBackupDir writes every backup snapshot to dir as an indented JSON file before
// SaveBackup returns.
func WithBackupDir(dir string) Option {
	return func(s *InMemory) { s.backupDir = dir }
}

func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		ops:      make(map[string]cleanup.OperationRecord),
		outcomes: make(map[string][]cleanup.AccountOutcome),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) CreateOperation(_ context.Context, rec cleanup.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.ops[rec.ID]; exists {
		return fmt.Errorf("store: run %s already exists", rec.ID)
	}
	s.ops[rec.ID] = rec
	return nil
}

// UpdateOperation replaces the record. A run that reached a terminal status is frozen.
func (s *InMemory) UpdateOperation(_ context.Context, rec cleanup.OperationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.ops[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", cleanup.ErrRunNotFound, rec.ID)
	}
	if cur.Status.Terminal() {
		return fmt.Errorf("store: run %s already %s", rec.ID, cur.Status)
	}
	s.ops[rec.ID] = rec
	return nil
}

func (s *InMemory) GetOperation(_ context.Context, id string) (cleanup.OperationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ops[id]
	if !ok {
		return cleanup.OperationRecord{}, fmt.Errorf("%w: %s", cleanup.ErrRunNotFound, id)
	}
	return rec, nil
}

func (s *InMemory) ListOperations(_ context.Context, limit int) ([]cleanup.OperationRecord, error) {
	s.mu.RLock()
	out := make([]cleanup.OperationRecord, 0, len(s.ops))
	for _, rec := range s.ops {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemory) SaveBackup(_ context.Context, snap cleanup.BackupSnapshot) error {
	if s.backupDir != "" {
		if err := writeBackupFile(s.backupDir, snap); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.backups = append(s.backups, snap)
	s.mu.Unlock()
	return nil
}

// Backups returns the snapshots taken for runID, oldest first.
func (s *InMemory) Backups(runID string) []cleanup.BackupSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []cleanup.BackupSnapshot
	for _, b := range s.backups {
		if runID == "" || b.RunID == runID {
			out = append(out, b)
		}
	}
	return out
}

// HasBackup reports whether a snapshot of userID exists.
func (s *InMemory) HasBackup(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.backups {
		if b.UserID == userID {
			return true
		}
	}
	return false
}

func (s *InMemory) AppendOutcome(_ context.Context, out cleanup.AccountOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[out.RunID] = append(s.outcomes[out.RunID], out)
	return nil
}

func (s *InMemory) ListOutcomes(_ context.Context, runID string) ([]cleanup.AccountOutcome, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cleanup.AccountOutcome(nil), s.outcomes[runID]...), nil
}

func (s *InMemory) Stats(ctx context.Context) (cleanup.Stats, error) {
	runs, err := s.ListOperations(ctx, 0)
	if err != nil {
		return cleanup.Stats{}, err
	}
	return Summarize(runs), nil
}

func (s *InMemory) AppendAudit(_ context.Context, e audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

// ListAudit returns matching entries newest first.
func (s *InMemory) ListAudit(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Entry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if !f.Match(s.audit[i]) {
			continue
		}
		out = append(out, s.audit[i])
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Summarize folds run history into totals. runs must be ordered newest first.
func Summarize(runs []cleanup.OperationRecord) cleanup.Stats {
	var st cleanup.Stats
	for i, rec := range runs {
		st.TotalRuns++
		switch rec.Status {
		case cleanup.StatusCompleted:
			st.CompletedRuns++
		case cleanup.StatusFailed:
			st.FailedRuns++
		}
		if rec.Mode == cleanup.ModeProduction {
			st.TotalDeleted += rec.Succeeded
		}
		if i == 0 {
			last := rec
			st.LastRun = &last
		}
	}
	return st
}

func writeBackupFile(dir string, snap cleanup.BackupSnapshot) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("store: create backup dir: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode backup: %w", err)
	}
	name := fmt.Sprintf("duo_user_backup_%s_%s.json", snap.RunID, safeName(snap.UserID))
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("store: write backup: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("store: finalize backup: %w", err)
	}
	return nil
}

func safeName(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			b[i] = '_'
		}
	}
	return string(b)
}
