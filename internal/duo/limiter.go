package duo

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultInterval = 800 * time.Millisecond
	MaxBatch        = 50
)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext is the real-time Sleeper.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Limiter is the single gate every admin API call passes through. It keeps at least
// interval between admitted calls across all callers sharing it.
type Limiter struct {
	lim      *rate.Limiter
	interval time.Duration
	maxBatch int
	now      func() time.Time
	sleep    Sleeper
}

// LimiterOption configures Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the time source (tests use a simulated clock).
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLimiterSleeper overrides how the limiter waits.
func WithLimiterSleeper(s Sleeper) LimiterOption {
	return func(l *Limiter) {
		if s != nil {
			l.sleep = s
		}
	}
}

// WithMaxBatch lowers the bulk ceiling. Values above MaxBatch are clamped.
func WithMaxBatch(n int) LimiterOption {
	return func(l *Limiter) {
		if n > 0 && n <= MaxBatch {
			l.maxBatch = n
		}
	}
}

// NewLimiter returns a limiter admitting one call per interval (DefaultInterval if <= 0).
func NewLimiter(interval time.Duration, opts ...LimiterOption) *Limiter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	l := &Limiter{
		lim:      rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		maxBatch: MaxBatch,
		now:      time.Now,
		sleep:    SleepContext,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Interval() time.Duration { return l.interval }

func (l *Limiter) MaxBatch() int { return l.maxBatch }

// Throttle blocks until the caller may issue its request. If ctx ends first the
// reserved slot is handed back.
func (l *Limiter) Throttle(ctx context.Context) error {
	now := l.now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		return fmt.Errorf("duo: limiter cannot admit request")
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := l.sleep(ctx, delay); err != nil {
		r.CancelAt(l.now())
		return err
	}
	return nil
}

// AdmitBatch fails when n exceeds the bulk ceiling. It never touches the network.
func (l *Limiter) AdmitBatch(n int) error {
	if n > l.maxBatch {
		return fmt.Errorf("%w: %d operations, limit %d", ErrBatchTooLarge, n, l.maxBatch)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative size %d", ErrBatchTooLarge, n)
	}
	return nil
}
