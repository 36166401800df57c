// Package ratelimit throttles outbound osu! API calls to a fixed quota per
// trailing time window. The budget is shared by every fetch worker in the
// process, and optionally by every process through Redis.
package ratelimit

import (
	"time"
)

// Redis keys for shared limiter state.
const (
	// RedisKeyCalls is the sorted set holding one member per granted call,
	// scored by the grant time in milliseconds.
	RedisKeyCalls = "fetcher:ratelimit:calls"
)

// Defaults match the quota osu! grants to authorization-code clients.
const (
	// DefaultLimit is the number of calls allowed per window.
	DefaultLimit = 60

	// DefaultWindow is the length of the trailing window.
	DefaultWindow = time.Minute

	// WarnRemaining logs a warning once the upstream reports fewer
	// remaining requests than this.
	WarnRemaining = 10
)

// WindowState is a point-in-time view of a limiter.
type WindowState struct {
	// WindowStart is the beginning of the trailing window (now - Window).
	WindowStart time.Time `json:"window_start"`

	// CallsInWindow is the number of calls granted inside the trailing window.
	CallsInWindow int `json:"calls_in_window"`

	// Limit is the maximum number of calls per window.
	Limit int `json:"limit"`

	// Window is the window length.
	Window time.Duration `json:"window"`

	// Backend names the limiter implementation ("memory" or "redis").
	Backend string `json:"backend"`
}

// Remaining returns how many calls can be granted right now without waiting.
func (s WindowState) Remaining() int {
	remaining := s.Limit - s.CallsInWindow
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Saturated returns true if the next call would have to wait.
func (s WindowState) Saturated() bool {
	return s.CallsInWindow >= s.Limit
}
