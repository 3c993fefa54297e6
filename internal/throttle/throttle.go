// Package throttle spaces out page requests against a rate-limited source.
//
// A Throttle is handed to the fetcher, which waits on it before every page
// request. One Throttle may be shared by concurrent fetches so that the
// source limit holds across all of them.
package throttle

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// HeaderRetryAfter is sent with 418/429 responses, in seconds.
	HeaderRetryAfter = "Retry-After"
	// HeaderUsedWeight reports the request weight consumed in the current minute.
	HeaderUsedWeight = "X-MBX-USED-WEIGHT-1M"
)

// Throttle blocks until the next page request may be sent.
type Throttle interface {
	Wait(ctx context.Context) error
}

// HeaderObserver is implemented by throttles that adapt to response headers.
type HeaderObserver interface {
	Observe(h http.Header)
}

// Nop never waits.
type Nop struct{}

// Wait returns ctx.Err() without blocking.
func (Nop) Wait(ctx context.Context) error { return ctx.Err() }

// Interval enforces a minimum spacing between requests and honors rate-limit
// headers reported by the source. It is safe for concurrent use.
type Interval struct {
	limiter     *rate.Limiter
	weightLimit int
	now         func() time.Time

	mu         sync.Mutex
	pauseUntil time.Time
}

// Option configures an Interval throttle.
type Option func(*Interval)

// WithWeightLimit pauses until the next minute once the used-weight header
// reaches limit. Zero disables the check.
func WithWeightLimit(limit int) Option {
	return func(t *Interval) { t.weightLimit = limit }
}

// WithClock overrides the time source used for header pauses.
func WithClock(now func() time.Time) Option {
	return func(t *Interval) { t.now = now }
}

// NewInterval returns a throttle allowing one request per interval. The
// limiter starts with one token, so the first Wait of a fresh throttle only
// blocks for a header-imposed pause.
func NewInterval(interval time.Duration, opts ...Option) *Interval {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	t := &Interval{
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Wait blocks until both any header-imposed pause has elapsed and the
// interval limiter admits another request.
func (t *Interval) Wait(ctx context.Context) error {
	for d := t.pause(); d > 0; d = t.pause() {
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return t.limiter.Wait(ctx)
}

// Observe records rate-limit information from a source response.
func (t *Interval) Observe(h http.Header) {
	if h == nil {
		return
	}
	now := t.now()

	if v := h.Get(HeaderRetryAfter); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			t.extendPause(now.Add(time.Duration(secs) * time.Second))
		}
	}

	if t.weightLimit > 0 {
		if v := h.Get(HeaderUsedWeight); v != "" {
			if used, err := strconv.Atoi(v); err == nil && used >= t.weightLimit {
				t.extendPause(now.Truncate(time.Minute).Add(time.Minute))
			}
		}
	}
}

// PausedUntil reports the end of the current header-imposed pause, if any.
func (t *Interval) PausedUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pauseUntil
}

func (t *Interval) extendPause(until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.After(t.pauseUntil) {
		t.pauseUntil = until
	}
}

func (t *Interval) pause() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pauseUntil.IsZero() {
		return 0
	}
	return t.pauseUntil.Sub(t.now())
}
