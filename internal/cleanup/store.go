package cleanup

import (
	"context"

	"duoclean.org/internal/duo"
)

// Store persists runs, their per-account outcomes and pre-deletion backups.
type Store interface {
	CreateOperation(ctx context.Context, rec OperationRecord) error
	UpdateOperation(ctx context.Context, rec OperationRecord) error
	// GetOperation returns ErrRunNotFound for unknown ids.
	GetOperation(ctx context.Context, id string) (OperationRecord, error)
	// ListOperations returns the newest runs first.
	ListOperations(ctx context.Context, limit int) ([]OperationRecord, error)
	SaveBackup(ctx context.Context, snap BackupSnapshot) error
	AppendOutcome(ctx context.Context, out AccountOutcome) error
	ListOutcomes(ctx context.Context, runID string) ([]AccountOutcome, error)
	Stats(ctx context.Context) (Stats, error)
}

// Directory is the part of the admin API a cleanup run needs. *duo.Client implements it.
type Directory interface {
	ListUsers(ctx context.Context, offset, limit int) ([]duo.User, bool, error)
	GetUser(ctx context.Context, username string) (duo.User, error)
	DeleteUser(ctx context.Context, userID string) error
	Bulk(ctx context.Context, ops []duo.Operation) ([]duo.BulkResult, error)
}
