package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"duoclean.org/internal/obs"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	actorKey     ctxKey = "audit_actor"
	sourceIPKey  ctxKey = "audit_source_ip"
)

// SystemActor is recorded when no operator is attached to the context.
const SystemActor = "system"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withValue(ctx, requestIDKey, requestID)
}

// WithActor attaches the operator identity that audit entries are attributed to.
func WithActor(ctx context.Context, actor string) context.Context {
	return withValue(ctx, actorKey, actor)
}

// WithSourceIP attaches the caller address.
func WithSourceIP(ctx context.Context, ip string) context.Context {
	return withValue(ctx, sourceIPKey, ip)
}

func RequestIDFromContext(ctx context.Context) string { return valueFrom(ctx, requestIDKey) }

// ActorFromContext returns the attached actor or SystemActor.
func ActorFromContext(ctx context.Context) string {
	if actor := valueFrom(ctx, actorKey); actor != "" {
		return actor
	}
	return SystemActor
}

func SourceIPFromContext(ctx context.Context) string { return valueFrom(ctx, sourceIPKey) }

func withValue(ctx context.Context, key ctxKey, v string) context.Context {
	v = strings.TrimSpace(v)
	if v == "" {
		return ctx
	}
	return context.WithValue(ctx, key, v)
}

func valueFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request and actor context.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
		"actor": ActorFromContext(ctx),
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
