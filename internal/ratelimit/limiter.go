// SPDX-License-Identifier: MIT

// Package ratelimit paces outbound calls to shared upstreams. plex.tv
// throttles aggressively; one process-wide limiter per upstream keeps
// watchlist and discover traffic inside the polite budget.
package ratelimit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var (
	throttledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "plexcache",
			Name:      "ratelimit_throttled_total",
			Help:      "Outbound requests that had to wait for a rate-limit token",
		},
		[]string{"upstream"},
	)
)

// Upstream wraps a token bucket for one remote service.
type Upstream struct {
	name string
	lim  *rate.Limiter
}

// NewUpstream creates a limiter for the named upstream. The name labels
// metrics only.
func NewUpstream(name string, r rate.Limit, burst int) *Upstream {
	if burst < 1 {
		burst = 1
	}
	return &Upstream{name: name, lim: rate.NewLimiter(r, burst)}
}

// Wait blocks until a token is available or ctx is done. Waits that
// actually had to block are counted.
func (u *Upstream) Wait(ctx context.Context) error {
	if u == nil {
		return nil
	}
	if u.lim.Tokens() < 1 {
		throttledTotal.WithLabelValues(u.name).Inc()
	}
	return u.lim.Wait(ctx)
}

// Allow reports whether a token is available right now without blocking.
func (u *Upstream) Allow() bool {
	if u == nil {
		return true
	}
	return u.lim.Allow()
}
