package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"duoclean.org/internal/audit"
	"duoclean.org/internal/auth"
	"duoclean.org/internal/bypass"
	"duoclean.org/internal/cleanup"
	"duoclean.org/internal/obs"
	"duoclean.org/internal/stream"
)

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe: простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	return rp.Store.Ping(ctx)
}

// AuditReader lists persisted audit entries.
type AuditReader interface {
	ListAudit(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// Services are the operations the API exposes. Tokens may be nil, which disables
// authentication. Events may be nil, which disables run event streams.
type Services struct {
	Runs   *cleanup.Orchestrator
	Bypass *bypass.Controller
	Audit  AuditReader
	Tokens *auth.Issuer
	Events *stream.Hub[cleanup.Event]
}

// API: HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        Services

	rateBurst  int
	ratePerSec float64
	maxBody    int64

	streams      context.Context
	closeStreams context.CancelFunc
}

type Option func(*API)

// WithRateLimit sets the per-client token bucket.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		rateBurst:  10,
		ratePerSec: 5,
		maxBody:    1 << 20,
	}
	a.streams, a.closeStreams = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/runs", a.guard(auth.RoleViewer, a.handleRunsCollection))
	a.mux.Handle("/v1/runs/", a.guard(auth.RoleViewer, a.handleRunResource))
	a.mux.Handle("/v1/stats", a.guard(auth.RoleViewer, a.handleStats))
	a.mux.Handle("/v1/audit", a.guard(auth.RoleViewer, a.handleAudit))
	a.mux.Handle("/v1/users/", a.guard(auth.RoleViewer, a.handleUserResource))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})

	return a
}

// CloseStreams ends every open event stream. http.Server.Shutdown does not interrupt
// long-lived responses, so call this first.
func (a *API) CloseStreams() { a.closeStreams() }

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	// оборачиваем всё метриками
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "duoclean-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"name":    "duoclean-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
		"auth":    a.svc.Tokens != nil,
	}
	if a.svc.Runs != nil {
		if id, ok := a.svc.Runs.Active(); ok {
			info["active_run"] = id
		}
	}
	writeJSON(w, http.StatusOK, info)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
