package duo_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"duoclean.org/internal/duo"
	"duoclean.org/internal/duo/duotest"
)

var cred = duo.Credential{
	IntegrationKey: "DIWJ8X6AEYOR5OMC6TQ1",
	SecretKey:      "Zh5eGmUq9zpfQnyUIu5OL9iWoMMv5ZNmk3zLJ4Ep",
	Host:           "api-test.duosecurity.com",
}

type seen struct {
	Method string
	Path   string
	Params url.Values
	Date   string
}

type fakeAPI struct {
	t      *testing.T
	mu     sync.Mutex
	reqs   []seen
	handle func(w http.ResponseWriter, n int, req seen)
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var params url.Values
	if r.Method == http.MethodGet || r.Method == http.MethodDelete {
		params = r.URL.Query()
	} else {
		if err := r.ParseForm(); err != nil {
			f.t.Errorf("parse form: %v", err)
		}
		params = r.PostForm
	}
	date := r.Header.Get("Date")
	at, err := time.Parse(time.RFC1123Z, date)
	if err != nil {
		f.t.Errorf("bad Date header %q: %v", date, err)
	}
	want := duo.Sign(cred, r.Method, r.URL.Path, params, at)
	if got := r.Header.Get("Authorization"); got != want.Authorization {
		f.t.Errorf("signature mismatch for %s %s", r.Method, r.URL.Path)
	}

	req := seen{Method: r.Method, Path: r.URL.Path, Params: params, Date: date}
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	n := len(f.reqs)
	f.mu.Unlock()
	f.handle(w, n, req)
}

func (f *fakeAPI) requests() []seen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seen(nil), f.reqs...)
}

type harness struct {
	client  *duo.Client
	api     *fakeAPI
	clock   *duotest.Clock
	backoff *[]time.Duration
}

func newHarness(t *testing.T, handle func(w http.ResponseWriter, n int, req seen)) harness {
	t.Helper()
	api := &fakeAPI{t: t, handle: handle}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	clk := duotest.NewClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	var backoff []time.Duration
	limiter := duo.NewLimiter(800*time.Millisecond, duo.WithLimiterClock(clk.Now), duo.WithLimiterSleeper(clk.Sleep))
	client, err := duo.New(cred,
		duo.WithBaseURL(srv.URL),
		duo.WithHTTPClient(srv.Client()),
		duo.WithLimiter(limiter),
		duo.WithClock(clk.Now),
		duo.WithSleeper(func(ctx context.Context, d time.Duration) error {
			backoff = append(backoff, d)
			return clk.Sleep(ctx, d)
		}),
	)
	if err != nil {
		t.Fatalf("duo.New: %v", err)
	}
	return harness{client: client, api: api, clock: clk, backoff: &backoff}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(resp any) map[string]any {
	return map[string]any{"stat": "OK", "response": resp}
}

func fail(code int, message string) map[string]any {
	return map[string]any{"stat": "FAIL", "code": code, "message": message}
}

func TestListUsersPaging(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if req.Params.Get("limit") != "2" {
			t.Errorf("unexpected limit %q", req.Params.Get("limit"))
		}
		switch req.Params.Get("offset") {
		case "0":
			writeJSON(w, 200, ok([]map[string]any{
				{"user_id": "DU1", "username": "123456@eusd.org", "status": "active"},
				{"user_id": "DU2", "username": "jsmith@eusd.org", "status": "bypass", "directory_key": "KEY"},
			}))
		default:
			writeJSON(w, 200, ok([]map[string]any{
				{"user_id": "DU3", "username": "654321", "status": "locked out", "last_directory_sync": 1700000000},
			}))
		}
	})
	ctx := context.Background()

	page, more, err := h.client.ListUsers(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(page) != 2 || !more {
		t.Fatalf("expected a full first page, got %d more=%v", len(page), more)
	}
	if page[1].Status != duo.StatusBypass || !page[1].SyncManaged() {
		t.Fatalf("unexpected second user: %+v", page[1])
	}

	page, more, err = h.client.ListUsers(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(page) != 1 || more {
		t.Fatalf("expected short last page, got %d more=%v", len(page), more)
	}
	if page[0].Status != duo.StatusLockedOut || !page[0].SyncManaged() {
		t.Fatalf("unexpected last user: %+v", page[0])
	}
}

func TestListUsersKeepsUnknownStatuses(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		writeJSON(w, 200, ok([]map[string]any{
			{"user_id": "DU1", "username": "123456@eusd.org", "status": "active"},
			{"user_id": "DU2", "username": "234567@eusd.org", "status": "pending deletion"},
		}))
	})

	page, _, err := h.client.ListUsers(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("expected both users, got %d", len(page))
	}
	if page[0].Status != duo.StatusActive {
		t.Fatalf("first user status = %v", page[0].Status)
	}
	odd := page[1]
	if odd.Status != duo.StatusUnknown || odd.Status.Valid() {
		t.Fatalf("unexpected status for %s: %v", odd.Username, odd.Status)
	}
	if odd.StatusName() != "pending deletion" {
		t.Fatalf("StatusName() = %q", odd.StatusName())
	}

	backup, err := json.Marshal(odd)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var restored map[string]any
	if err := json.Unmarshal(backup, &restored); err != nil {
		t.Fatalf("unmarshal backup: %v", err)
	}
	if restored["status"] != "pending deletion" || restored["user_id"] != "DU2" {
		t.Fatalf("backup lost the reported status: %s", backup)
	}
}

func TestGetUserEmptyResultIsNotFound(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if req.Params.Get("username") != "ghost@eusd.org" {
			t.Errorf("unexpected username param %q", req.Params.Get("username"))
		}
		writeJSON(w, 200, ok([]any{}))
	})
	if _, err := h.client.GetUser(context.Background(), "ghost@eusd.org"); !errors.Is(err, duo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetryAfterRateLimit(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if n == 1 {
			writeJSON(w, http.StatusTooManyRequests, fail(42901, "Too Many Requests"))
			return
		}
		writeJSON(w, 200, ok(map[string]any{"user_id": "DU1", "username": "123456", "status": "bypass"}))
	})

	u, err := h.client.UpdateStatus(context.Background(), "DU1", duo.StatusBypass)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if u.Status != duo.StatusBypass {
		t.Fatalf("unexpected status %v", u.Status)
	}
	reqs := h.api.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(reqs))
	}
	if reqs[0].Date == reqs[1].Date {
		t.Fatalf("retry reused a stale date %q", reqs[0].Date)
	}
	if got := *h.backoff; len(got) != 1 || got[0] != time.Second {
		t.Fatalf("expected a single 1s backoff, got %v", got)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		writeJSON(w, http.StatusTooManyRequests, fail(42901, "Too Many Requests"))
	})
	err := h.client.DeleteUser(context.Background(), "DU1")
	if !errors.Is(err, duo.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if got := len(h.api.requests()); got != 4 {
		t.Fatalf("expected 1 attempt + 3 retries, got %d", got)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := *h.backoff
	if len(got) != len(want) {
		t.Fatalf("backoff = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff = %v, want %v", got, want)
		}
	}
}

func TestRetryAfterHeaderExtendsBackoff(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if n == 1 {
			w.Header().Set("Retry-After", "7")
			writeJSON(w, http.StatusTooManyRequests, fail(42901, "Too Many Requests"))
			return
		}
		writeJSON(w, 200, ok(""))
	})
	if err := h.client.DeleteUser(context.Background(), "DU1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if got := *h.backoff; len(got) != 1 || got[0] != 7*time.Second {
		t.Fatalf("expected Retry-After to drive the wait, got %v", got)
	}
}

func TestServerErrorsRetriedThenTransient(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})
	_, err := h.client.GetUserByID(context.Background(), "DU1")
	if !errors.Is(err, duo.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	if got := len(h.api.requests()); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestNonRetryableFailures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   any
		want   error
	}{
		{name: "unauthorized", status: 401, body: fail(40103, "Invalid signature in request credentials"), want: duo.ErrAuthentication},
		{name: "forbidden", status: 403, body: fail(40301, "Access forbidden"), want: duo.ErrAuthentication},
		{name: "not found", status: 404, body: fail(40401, "Resource not found"), want: duo.ErrNotFound},
		{name: "bad request", status: 400, body: fail(40002, "Invalid request parameters"), want: duo.ErrRejected},
		{name: "sync managed", status: 400, body: fail(40003, "User is managed by directory sync"), want: duo.ErrSyncManaged},
		{name: "fail body with http 200", status: 200, body: fail(40002, "Invalid request parameters"), want: duo.ErrRejected},
		{name: "not found body with http 200", status: 200, body: fail(40401, "Resource not found"), want: duo.ErrNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
				writeJSON(w, tc.status, tc.body)
			})
			err := h.client.DeleteUser(context.Background(), "DU1")
			if !errors.Is(err, tc.want) {
				t.Fatalf("DeleteUser() error = %v, want %v", err, tc.want)
			}
			var apiErr *duo.APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *duo.APIError, got %T", err)
			}
			if got := len(h.api.requests()); got != 1 {
				t.Fatalf("expected no retries, got %d attempts", got)
			}
			if len(*h.backoff) != 0 {
				t.Fatalf("unexpected backoff %v", *h.backoff)
			}
		})
	}
}

func TestCallsAreThrottled(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		writeJSON(w, 200, ok(""))
	})
	ctx := context.Background()
	for _, id := range []string{"DU1", "DU2", "DU3"} {
		if err := h.client.DeleteUser(ctx, id); err != nil {
			t.Fatalf("DeleteUser(%s): %v", id, err)
		}
	}
	if got := len(h.api.requests()); got != 3 {
		t.Fatalf("expected 3 requests, got %d", got)
	}
	waits := h.clock.Sleeps()
	if len(waits) != 2 {
		t.Fatalf("expected the limiter to wait twice, waited %v", waits)
	}
	for _, d := range waits {
		if d < 799*time.Millisecond || d > 800*time.Millisecond {
			t.Fatalf("limiter wait %v outside the configured interval", d)
		}
	}
}

func TestUpdateStatusWireValue(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if req.Method != http.MethodPost || req.Path != "/admin/v1/users/DU9" {
			t.Errorf("unexpected request %s %s", req.Method, req.Path)
		}
		writeJSON(w, 200, ok(map[string]any{"user_id": "DU9", "username": "x", "status": req.Params.Get("status")}))
	})
	u, err := h.client.UpdateStatus(context.Background(), "DU9", duo.StatusLockedOut)
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got := h.api.requests()[0].Params.Get("status"); got != "locked out" {
		t.Fatalf("status param = %q", got)
	}
	if u.Status != duo.StatusLockedOut {
		t.Fatalf("status = %v", u.Status)
	}
	if _, err := h.client.UpdateStatus(context.Background(), "DU9", duo.StatusUnknown); !errors.Is(err, duo.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus, got %v", err)
	}
	if got := len(h.api.requests()); got != 1 {
		t.Fatalf("invalid status must not reach the network, requests=%d", got)
	}
}

func TestBulkRejectsOversizedBatchLocally(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		writeJSON(w, 200, ok([]any{}))
	})
	ops := make([]duo.Operation, duo.MaxBatch+1)
	for i := range ops {
		ops[i] = duo.DeleteUserOp("DU" + string(rune('A'+i%26)))
	}
	if _, err := h.client.Bulk(context.Background(), ops); !errors.Is(err, duo.ErrBatchTooLarge) {
		t.Fatalf("expected ErrBatchTooLarge, got %v", err)
	}
	if got := len(h.api.requests()); got != 0 {
		t.Fatalf("oversized bulk reached the network: %d requests", got)
	}
}

func TestBulkPerItemResults(t *testing.T) {
	h := newHarness(t, func(w http.ResponseWriter, n int, req seen) {
		if req.Path != "/admin/v1/bulk" {
			t.Errorf("unexpected path %s", req.Path)
		}
		var ops []duo.Operation
		if err := json.Unmarshal([]byte(req.Params.Get("operations")), &ops); err != nil {
			t.Errorf("decode operations: %v", err)
		}
		if len(ops) != 3 || ops[0].Method != http.MethodDelete || ops[0].Path != "/admin/v1/users/DU1" {
			t.Errorf("unexpected operations: %+v", ops)
		}
		writeJSON(w, 200, ok([]any{
			ok(""),
			fail(40003, "User is managed by directory sync"),
			fail(40401, "Resource not found"),
		}))
	})
	results, err := h.client.Bulk(context.Background(), []duo.Operation{
		duo.DeleteUserOp("DU1"), duo.DeleteUserOp("DU2"), duo.DeleteUserOp("DU3"),
	})
	if err != nil {
		t.Fatalf("Bulk: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("first item: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, duo.ErrSyncManaged) {
		t.Fatalf("second item: %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, duo.ErrNotFound) {
		t.Fatalf("third item: %v", results[2].Err)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := duo.New(duo.Credential{IntegrationKey: "x", Host: "y"}); !errors.Is(err, duo.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}
