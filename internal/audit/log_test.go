package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"duoclean.org/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	flags := logger.Flags()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() {
		logger.SetOutput(original)
		logger.SetFlags(flags)
	})
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = WithActor(ctx, "tech@eusd.org")

	if err := LogEvent(ctx, "audit.test", map[string]any{"foo": "bar"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "audit.test" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["actor"] != "tech@eusd.org" {
		t.Fatalf("unexpected actor: %v", entry["actor"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["foo"] != "bar" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}

type memSink struct {
	mu      sync.Mutex
	entries []Entry
	err     error
}

func (s *memSink) AppendAudit(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestRecorderFillsContext(t *testing.T) {
	buf := captureLog(t)
	sink := &memSink{}
	at := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	rec := NewRecorder(sink, func() time.Time { return at })

	ctx := WithSourceIP(WithActor(WithRequestID(context.Background(), "req-9"), "ops"), "10.0.0.7")
	got, err := rec.Record(ctx, Entry{Action: ActionStatusChange, Username: "123456", UserID: "DU1", OldValue: "active", NewValue: "bypass", Success: true})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.ID == "" || !got.Timestamp.Equal(at) {
		t.Fatalf("id/timestamp not stamped: %+v", got)
	}
	if got.Actor != "ops" || got.SourceIP != "10.0.0.7" || got.RequestID != "req-9" {
		t.Fatalf("context not applied: %+v", got)
	}
	if len(sink.entries) != 1 || sink.entries[0].ID != got.ID {
		t.Fatalf("entry not appended: %+v", sink.entries)
	}
	if !strings.Contains(buf.String(), `"event":"audit.status_change"`) {
		t.Fatalf("audit line missing: %s", buf.String())
	}
}

func TestRecorderDefaultsToSystemActor(t *testing.T) {
	captureLog(t)
	sink := &memSink{}
	got, err := NewRecorder(sink, nil).Record(context.Background(), Entry{Action: ActionLookup, Username: "x"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got.Actor != SystemActor {
		t.Fatalf("actor = %q", got.Actor)
	}
}

func TestRecorderReportsSinkFailure(t *testing.T) {
	buf := captureLog(t)
	boom := errors.New("disk full")
	_, err := NewRecorder(&memSink{err: boom}, nil).Record(context.Background(), Entry{Action: ActionDelete, UserID: "DU1"})
	if !errors.Is(err, boom) || !errors.Is(err, ErrNotPersisted) {
		t.Fatalf("expected sink error wrapped in ErrNotPersisted, got %v", err)
	}
	if !strings.Contains(buf.String(), `"persisted":false`) {
		t.Fatalf("log line should flag the lost entry: %s", buf.String())
	}
}

func TestRecorderRejectsMissingAction(t *testing.T) {
	if _, err := NewRecorder(&memSink{}, nil).Record(context.Background(), Entry{}); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestActionJSON(t *testing.T) {
	data, err := json.Marshal(Entry{Action: ActionStatusChange})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Entry
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Action != ActionStatusChange {
		t.Fatalf("action = %v", back.Action)
	}
	if _, err := ParseAction("purge"); !errors.Is(err, ErrInvalidAction) {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
}

func TestFilterMatch(t *testing.T) {
	e := Entry{Username: "123456", Action: ActionDelete, RunID: "run-1"}
	cases := []struct {
		f    Filter
		want bool
	}{
		{Filter{}, true},
		{Filter{Username: "123456"}, true},
		{Filter{Username: "654321"}, false},
		{Filter{Action: ActionDelete, RunID: "run-1"}, true},
		{Filter{Action: ActionLookup}, false},
		{Filter{RunID: "run-2"}, false},
	}
	for i, tc := range cases {
		if got := tc.f.Match(e); got != tc.want {
			t.Errorf("case %d: Match = %v, want %v", i, got, tc.want)
		}
	}
}
