// Package duo is a client for the Duo Admin API v1: request signing, the shared rate
// limiter, bounded retries and the typed user operations the cleanup and bypass flows need.
package duo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"duoclean.org/internal/obs"
)

const (
	usersPath = "/admin/v1/users"
	bulkPath  = "/admin/v1/bulk"

	maxResponseBytes = 10 << 20
)

// Backoff bounds the retry loop. Delays double from Base up to Max.
type Backoff struct {
	Base             time.Duration
	Max              time.Duration
	RateLimitRetries int
	ServerRetries    int
}

// DefaultBackoff mirrors the limits the admin API documents for bursty clients.
var DefaultBackoff = Backoff{
	Base:             time.Second,
	Max:              60 * time.Second,
	RateLimitRetries: 3,
	ServerRetries:    2,
}

func (b Backoff) delay(retry int, retryAfter time.Duration) time.Duration {
	d := b.Base
	for i := 0; i < retry && d < b.Max; i++ {
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Client issues signed, throttled and retried calls. It is safe for concurrent use;
// every call shares the same Limiter.
type Client struct {
	cred    Credential
	baseURL string
	http    *http.Client
	signer  *Signer
	limiter *Limiter
	sleep   Sleeper
	now     func() time.Time
	backoff Backoff
}

// Option configures Client.
type Option func(*Client)

// WithHTTPClient overrides the transport client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithBaseURL points the client at a different origin; signatures still use the
// credential host.
func WithBaseURL(raw string) Option {
	return func(c *Client) {
		if raw = strings.TrimRight(strings.TrimSpace(raw), "/"); raw != "" {
			c.baseURL = raw
		}
	}
}

// WithLimiter shares an existing limiter between clients.
func WithLimiter(l *Limiter) Option {
	return func(c *Client) {
		if l != nil {
			c.limiter = l
		}
	}
}

// WithSleeper overrides how retry backoff waits.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithClock overrides the clock used for request dates.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithBackoff overrides the retry policy. Zero durations keep their defaults; retry
// counts are taken as given.
func WithBackoff(b Backoff) Option {
	return func(c *Client) {
		if b.Base > 0 {
			c.backoff.Base = b.Base
		}
		if b.Max > 0 {
			c.backoff.Max = b.Max
		}
		if b.RateLimitRetries >= 0 {
			c.backoff.RateLimitRetries = b.RateLimitRetries
		}
		if b.ServerRetries >= 0 {
			c.backoff.ServerRetries = b.ServerRetries
		}
	}
}

// New validates the credential and builds a client for https://<host>.
func New(cred Credential, opts ...Option) (*Client, error) {
	if err := cred.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		cred:    cred,
		baseURL: "https://" + strings.ToLower(strings.TrimSpace(cred.Host)),
		http:    &http.Client{Timeout: 30 * time.Second},
		sleep:   SleepContext,
		now:     time.Now,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		c.limiter = NewLimiter(DefaultInterval)
	}
	c.signer = NewSigner(cred, c.now)
	return c, nil
}

// Limiter exposes the shared gate so batch sizes can be checked by callers.
func (c *Client) Limiter() *Limiter { return c.limiter }

// MaxBatch is the largest bulk request the client will send.
func (c *Client) MaxBatch() int { return c.limiter.MaxBatch() }

type envelope struct {
	Stat          string          `json:"stat"`
	Response      json.RawMessage `json:"response"`
	Code          int             `json:"code"`
	Message       string          `json:"message"`
	MessageDetail string          `json:"message_detail"`
}

// call runs the throttle → sign → send loop until success, a non-retryable error or
// an exhausted retry budget.
func (c *Client) call(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	var rateRetries, serverRetries int
	endpoint := endpointLabel(path)
	for {
		if err := c.limiter.Throttle(ctx); err != nil {
			return nil, err
		}
		start := time.Now()
		resp, err := c.send(ctx, method, path, params)
		obs.ObserveDuoRequest(method, endpoint, outcomeLabel(err), time.Since(start))
		if err == nil {
			return resp, nil
		}

		var retryAfter time.Duration
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			retryAfter = apiErr.RetryAfter
		}

		var wait time.Duration
		switch {
		case errors.Is(err, ErrRateLimited) && rateRetries < c.backoff.RateLimitRetries:
			wait = c.backoff.delay(rateRetries, retryAfter)
			rateRetries++
		case errors.Is(err, ErrTransient) && serverRetries < c.backoff.ServerRetries:
			wait = c.backoff.delay(serverRetries, 0)
			serverRetries++
		default:
			return nil, err
		}

		obs.CountDuoRetry(outcomeLabel(err))
		obs.Log("warn", "duo_retry", map[string]any{
			"method":      method,
			"endpoint":    endpoint,
			"error":       err.Error(),
			"retry_in_ms": wait.Milliseconds(),
		})
		if err := c.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, params url.Values) (json.RawMessage, error) {
	sig := c.signer.Sign(method, path, params)
	encoded := CanonicalParams(params)

	target := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			target += "?" + encoded
		}
	} else {
		body = strings.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("duo: build request: %w", err)
	}
	req.Header.Set("Date", sig.Date)
	req.Header.Set("Authorization", sig.Authorization)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 400 {
			apiErr := newAPIError(resp.StatusCode, 0, http.StatusText(resp.StatusCode), snippet(data))
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
			return nil, apiErr
		}
		return nil, fmt.Errorf("%w: malformed response body: %v", ErrRejected, err)
	}
	if resp.StatusCode >= 400 || env.Stat != "OK" {
		apiErr := newAPIError(resp.StatusCode, env.Code, env.Message, env.MessageDetail)
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
		return nil, apiErr
	}
	return env.Response, nil
}

func parseRetryAfter(raw string, now time.Time) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func snippet(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func endpointLabel(path string) string {
	if strings.HasPrefix(path, usersPath+"/") {
		return usersPath + "/:id"
	}
	return path
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrAuthentication):
		return "auth"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSyncManaged):
		return "sync_managed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "rejected"
	}
}
