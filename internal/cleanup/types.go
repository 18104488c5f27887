package cleanup

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRunInProgress = errors.New("cleanup: a run is already in progress")
	ErrRunNotFound   = errors.New("cleanup: run not found")
	ErrRunNotActive  = errors.New("cleanup: run is not active")
	ErrInvalidMode   = errors.New("cleanup: invalid mode")
	ErrCanceled      = errors.New("cleanup: run canceled")

	// ErrAuditUnavailable stops a production run once a delete could not be audited.
	ErrAuditUnavailable = errors.New("cleanup: audit trail unavailable")
)

// Mode selects whether a run only reports or actually deletes.
type Mode int

const (
	ModeDryRun Mode = iota + 1
	ModeProduction
)

func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "dry_run", "dry-run", "dryrun":
		return ModeDryRun, nil
	case "production":
		return ModeProduction, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidMode, raw)
}

func (m Mode) String() string {
	switch m {
	case ModeDryRun:
		return "dry_run"
	case ModeProduction:
		return "production"
	}
	return "unknown"
}

func (m Mode) Valid() bool { return m == ModeDryRun || m == ModeProduction }

func (m Mode) MarshalJSON() ([]byte, error) { return json.Marshal(m.String()) }

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// RunStatus is the lifecycle state of a run. Terminal states never change again.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
)

func (s RunStatus) Terminal() bool { return s == StatusCompleted || s == StatusFailed }

// OperationRecord summarises one run. Counters only grow while the run executes.
type OperationRecord struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Mode            Mode       `json:"mode"`
	Status          RunStatus  `json:"status"`
	Actor           string     `json:"actor"`
	TotalScanned    int        `json:"total_scanned"`
	TotalCandidates int        `json:"total_candidates"`
	SkippedManaged  int        `json:"skipped_managed"`
	SkippedNoMatch  int        `json:"skipped_no_match"`
	WouldDelete     int        `json:"would_delete"`
	Attempted       int        `json:"attempted"`
	Succeeded       int        `json:"succeeded"`
	Failed          int        `json:"failed"`
	NotFound        int        `json:"not_found"`
	Error           string     `json:"error,omitempty"`
}

// Result is what happened to one account during a run.
type Result string

const (
	ResultWouldDelete    Result = "would_delete"
	ResultDeleted        Result = "deleted"
	ResultAlreadyAbsent  Result = "already_absent"
	ResultSkippedManaged Result = "skipped_managed"
	ResultSkippedNoMatch Result = "skipped_no_match"
	ResultDeclined       Result = "declined"
	ResultFailed         Result = "failed"
	ResultNotFound       Result = "not_found"
)

// AccountOutcome is one row of a run's results.
type AccountOutcome struct {
	RunID       string    `json:"run_id"`
	UserID      string    `json:"user_id,omitempty"`
	Username    string    `json:"username"`
	InDirectory bool      `json:"in_directory"`
	SyncManaged bool      `json:"sync_managed"`
	Action      string    `json:"action"`
	Result      Result    `json:"result"`
	Error       string    `json:"error,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// BackupSnapshot is the full user record captured before its deletion.
type BackupSnapshot struct {
	ID         string          `json:"id"`
	RunID      string          `json:"run_id"`
	UserID     string          `json:"user_id"`
	Username   string          `json:"username"`
	CapturedAt time.Time       `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Stats aggregates run history.
type Stats struct {
	TotalRuns     int              `json:"total_runs"`
	CompletedRuns int              `json:"completed_runs"`
	FailedRuns    int              `json:"failed_runs"`
	TotalDeleted  int              `json:"total_deleted"`
	LastRun       *OperationRecord `json:"last_run,omitempty"`
}

type EventType string

const (
	EventStarted  EventType = "started"
	EventOutcome  EventType = "outcome"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Event reports run progress as it happens. Outcome is set for EventOutcome; Run is
// a snapshot of the counters for every other type.
type Event struct {
	Type    EventType        `json:"type"`
	RunID   string           `json:"run_id"`
	At      time.Time        `json:"at"`
	Outcome *AccountOutcome  `json:"outcome,omitempty"`
	Run     *OperationRecord `json:"run,omitempty"`
}
