// Package ratelimit provides per-verb inbound rate limiting, protecting a
// Connection from a malfunctioning or compromised server that floods it
// with asynchronous events.
package ratelimit

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// Limit configures one verb's token bucket: burst capacity and refill rate
// in events per second.
type Limit struct {
	Burst        int
	EventsPerSec float64
}

// DefaultLimits returns sensible per-verb limits for the asynchronous
// notification verbs a Connection/Session/Handle can receive, calibrated
// to allow normal signaling traffic while dropping a flood:
//
//   - webrtcup, hangup, ice-failed, detached — rare, one per handle lifetime
//   - media, slowlink                       — periodic QoS-style notifications
//   - event                                 — the bulk of plugin traffic
//   - timeout                               — infrequent, server-paced
func DefaultLimits() map[string]Limit {
	return map[string]Limit{
		"event":      {Burst: 50, EventsPerSec: 20},
		"media":      {Burst: 20, EventsPerSec: 10},
		"slowlink":   {Burst: 10, EventsPerSec: 5},
		"webrtcup":   {Burst: 4, EventsPerSec: 1},
		"hangup":     {Burst: 4, EventsPerSec: 1},
		"ice-failed": {Burst: 4, EventsPerSec: 1},
		"detached":   {Burst: 4, EventsPerSec: 1},
		"timeout":    {Burst: 4, EventsPerSec: 1},
	}
}

// Limiter applies Limit per verb, backed by golang.org/x/time/rate's token
// bucket implementation rather than a hand-rolled one.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]Limit
	buckets  map[string]*rate.Limiter
	fallback Limit
}

// New builds a Limiter from limits, falling back to a generous default
// bucket for any verb not present in the map.
func New(limits map[string]Limit) *Limiter {
	return &Limiter{
		limits:   limits,
		buckets:  make(map[string]*rate.Limiter, len(limits)),
		fallback: Limit{Burst: 20, EventsPerSec: 10},
	}
}

// Allow reports whether an inbound message carrying verb should be
// processed. A denial is logged and the caller is expected to drop the
// message rather than route it.
func (l *Limiter) Allow(verb string) bool {
	l.mu.Lock()
	b, ok := l.buckets[verb]
	if !ok {
		lim := l.fallback
		if configured, present := l.limits[verb]; present {
			lim = configured
		}
		b = rate.NewLimiter(rate.Limit(lim.EventsPerSec), lim.Burst)
		l.buckets[verb] = b
	}
	l.mu.Unlock()

	if b.Allow() {
		return true
	}
	slog.Warn("rate limit exceeded, dropping inbound message", "verb", verb)
	return false
}
