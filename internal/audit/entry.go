// Package audit records every lookup, status change and deletion made against the
// directory. Entries are append-only; writers fill them through a Recorder.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"duoclean.org/internal/ids"
)

// Action is the kind of change an entry describes.
type Action int

const (
	ActionLookup Action = iota + 1
	ActionStatusChange
	ActionDelete
)

var (
	ErrInvalidAction = errors.New("audit: invalid action")

	// ErrNotPersisted means the entry was logged but the sink did not store it.
	ErrNotPersisted = errors.New("audit: entry not persisted")
)

func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "lookup":
		return ActionLookup, nil
	case "status_change":
		return ActionStatusChange, nil
	case "delete":
		return ActionDelete, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, raw)
}

func (a Action) String() string {
	switch a {
	case ActionLookup:
		return "lookup"
	case ActionStatusChange:
		return "status_change"
	case ActionDelete:
		return "delete"
	}
	return "unknown"
}

func (a Action) MarshalJSON() ([]byte, error) { return json.Marshal(a.String()) }

func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Entry is one immutable audit record.
type Entry struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Username     string    `json:"username,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	Action       Action    `json:"action"`
	OldValue     string    `json:"old_value,omitempty"`
	NewValue     string    `json:"new_value,omitempty"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	SourceIP     string    `json:"source_ip,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	RunID        string    `json:"run_id,omitempty"`
}

// Filter narrows audit listings. Zero fields match everything.
type Filter struct {
	Username string
	Action   Action
	RunID    string
	Limit    int
}

func (f Filter) Match(e Entry) bool {
	if f.Username != "" && !strings.EqualFold(f.Username, e.Username) {
		return false
	}
	if f.Action != 0 && f.Action != e.Action {
		return false
	}
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	return true
}

// Sink persists entries. Implementations must only append.
type Sink interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Recorder stamps entries with id, time and request context before appending them.
type Recorder struct {
	sink Sink
	now  func() time.Time
}

// NewRecorder wraps sink. A nil now uses time.Now.
func NewRecorder(sink Sink, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{sink: sink, now: now}
}

// Record appends e and mirrors it to the JSON log. The returned entry carries the
// generated id and timestamp.
func (r *Recorder) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.Action == 0 {
		return Entry{}, ErrInvalidAction
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = r.now().UTC()
	}
	if e.Actor == "" {
		e.Actor = ActorFromContext(ctx)
	}
	if e.SourceIP == "" {
		e.SourceIP = SourceIPFromContext(ctx)
	}
	if e.RequestID == "" {
		e.RequestID = RequestIDFromContext(ctx)
	}

	var sinkErr error
	if r.sink != nil {
		if err := r.sink.AppendAudit(ctx, e); err != nil {
			sinkErr = fmt.Errorf("%w: %s entry: %w", ErrNotPersisted, e.Action, err)
		}
	}
	_ = LogEvent(ctx, "audit."+e.Action.String(), map[string]any{
		"id":        e.ID,
		"username":  e.Username,
		"user_id":   e.UserID,
		"old_value": e.OldValue,
		"new_value": e.NewValue,
		"success":   e.Success,
		"error":     e.ErrorMessage,
		"run_id":    e.RunID,
		"persisted": sinkErr == nil,
	})
	return e, sinkErr
}
