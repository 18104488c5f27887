package store

import (
	"context"
	"fmt"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/cleanup"
	"duoclean.org/internal/store/pg"
)

// Backend is everything the binaries need from persistence.
type Backend interface {
	cleanup.Store
	audit.Sink
	ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	_ Backend = (*InMemory)(nil)
	_ Backend = (*pg.Store)(nil)
)

// Open returns a PostgreSQL backend when dsn is set and an in-memory one otherwise.
// The options only apply to the in-memory backend.
func Open(ctx context.Context, dsn string, opts ...Option) (Backend, error) {
	if dsn == "" {
		return NewInMemory(opts...), nil
	}
	s, err := pg.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return s, nil
}

// Ping always succeeds for the in-memory store.
func (s *InMemory) Ping(context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }
