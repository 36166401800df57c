package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var (
	upstreamRemaining = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "osu_rate_limit_remaining",
		Help: "Requests remaining as last reported by the X-RateLimit-Remaining header",
	})

	roundTripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fetcher_rate_limited_round_trips_total",
		Help: "Total number of outbound HTTP round trips that consumed a rate limit unit",
	})
)

// Transport is an http.RoundTripper that consumes one limiter unit per
// round trip. Retries and token refreshes therefore count against the quota
// like any other call.
type Transport struct {
	Base    http.RoundTripper
	Limiter Limiter
	Logger  zerolog.Logger
}

// NewTransport wraps base (http.DefaultTransport if nil).
func NewTransport(base http.RoundTripper, limiter Limiter, logger zerolog.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, Limiter: limiter, Logger: logger}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Acquire(req.Context()); err != nil {
			return nil, fmt.Errorf("acquire rate limit slot: %w", err)
		}
	}
	roundTripsTotal.Inc()

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	t.observeHeaders(resp.Header)
	return resp, nil
}

// observeHeaders records the upstream's own view of the remaining quota.
// The local limiter stays authoritative; this is for dashboards and logs.
func (t *Transport) observeHeaders(headers http.Header) {
	remainStr := headers.Get("X-RateLimit-Remaining")
	if remainStr == "" {
		return
	}
	remain, err := strconv.Atoi(remainStr)
	if err != nil {
		t.Logger.Debug().Str("value", remainStr).Msg("Unparseable X-RateLimit-Remaining header")
		return
	}

	upstreamRemaining.Set(float64(remain))
	if remain < WarnRemaining {
		t.Logger.Warn().
			Int("remaining", remain).
			Str("limit", headers.Get("X-RateLimit-Limit")).
			Msg("Upstream rate limit nearly exhausted")
	}
}
