package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitAcquiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_rate_limit_acquired_total",
		Help: "Total number of call slots granted by the rate limiter",
	}, []string{"backend"})

	rateLimitThrottledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fetcher_rate_limit_throttled_total",
		Help: "Total number of acquisitions that had to wait for the window to move",
	}, []string{"backend"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fetcher_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a call slot",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"backend"})

	rateLimitRedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_rate_limit_redis_errors_total",
		Help: "Total number of Redis errors seen while acquiring call slots",
	})
)

// Limiter gates outbound calls.
//
// Acquire blocks until one more call fits in the window and consumes one unit.
// It only returns an error when ctx ends first.
type Limiter interface {
	Acquire(ctx context.Context) error
	State(ctx context.Context) (WindowState, error)
}

// SlidingWindow is an in-process sliding window log limiter.
//
// Every Acquire reserves the earliest instant at which the call fits, so
// callers are served in arrival order and nobody starves. A reservation is
// kept even if the caller gives up waiting.
type SlidingWindow struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	reserved []time.Time // ascending, at most limit entries

	now    func() time.Time
	logger zerolog.Logger
}

// NewSlidingWindow creates a limiter granting limit calls per window.
func NewSlidingWindow(limit int, window time.Duration, logger zerolog.Logger) (*SlidingWindow, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be > 0 (got %d)", limit)
	}
	if window <= 0 {
		return nil, fmt.Errorf("window must be > 0 (got %s)", window)
	}
	return &SlidingWindow{
		limit:    limit,
		window:   window,
		reserved: make([]time.Time, 0, limit),
		now:      time.Now,
		logger:   logger,
	}, nil
}

// Acquire blocks until a call slot is available.
func (w *SlidingWindow) Acquire(ctx context.Context) error {
	at := w.reserve()
	wait := at.Sub(w.now())
	rateLimitAcquiredTotal.WithLabelValues("memory").Inc()
	if wait <= 0 {
		return nil
	}

	rateLimitThrottledTotal.WithLabelValues("memory").Inc()
	rateLimitWaitSeconds.WithLabelValues("memory").Observe(wait.Seconds())
	w.logger.Debug().
		Dur("wait_duration", wait).
		Int("limit", w.limit).
		Msg("Rate limit window full - waiting for slot")

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve books the next slot and returns the instant it becomes usable.
// The slot is placed so that any window of length w.window ending at it
// holds at most w.limit reservations.
func (w *SlidingWindow) reserve() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	at := w.now()
	if n := len(w.reserved); n >= w.limit {
		earliest := w.reserved[n-w.limit].Add(w.window)
		if earliest.After(at) {
			at = earliest
		}
	}

	w.reserved = append(w.reserved, at)
	if len(w.reserved) > w.limit {
		w.reserved = w.reserved[len(w.reserved)-w.limit:]
	}
	return at
}

// State reports the calls granted in the trailing window.
func (w *SlidingWindow) State(_ context.Context) (WindowState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	start := now.Add(-w.window)
	calls := 0
	for _, t := range w.reserved {
		if t.After(start) && !t.After(now) {
			calls++
		}
	}

	return WindowState{
		WindowStart:   start,
		CallsInWindow: calls,
		Limit:         w.limit,
		Window:        w.window,
		Backend:       "memory",
	}, nil
}
