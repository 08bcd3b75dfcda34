// SPDX-License-Identifier: MIT

// Package metrics exposes the Prometheus instrumentation for the caching
// engine. All series carry the plexcache_ prefix.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Movement metrics
	movesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_moves_total",
		Help: "File move attempts by direction and outcome",
	}, []string{"direction", "outcome"}) // direction=cache|array, outcome=success|failure|skipped|cancelled

	bytesMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_bytes_moved_total",
		Help: "Bytes physically copied between tiers by direction",
	}, []string{"direction"})

	moveDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plexcache_move_duration_seconds",
		Help:    "Per-file move duration by direction",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"direction"})

	// Eviction metrics
	evictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_evictions_total",
		Help: "Cache evictions by mode and outcome",
	}, []string{"mode", "outcome"})

	evictionBytesFreed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plexcache_eviction_bytes_freed_total",
		Help: "Bytes reclaimed from the cache tier by eviction",
	})

	// Run metrics
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_runs_total",
		Help: "Caching runs by outcome",
	}, []string{"outcome"}) // outcome=completed|failed|skipped

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plexcache_run_duration_seconds",
		Help:    "End-to-end caching run duration",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	runPhase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plexcache_run_phase",
		Help: "Current run phase (1 = active)",
	}, []string{"phase"})

	// Tracker metrics
	trackerEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plexcache_tracker_entries",
		Help: "Entries per persistent tracker (last run)",
	}, []string{"tracker"}) // tracker=timestamps|ondeck|watchlist

	// Cache occupancy
	cacheTrackedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexcache_cache_tracked_bytes",
		Help: "Total size of files plexcache holds on the cache tier",
	})

	cacheTrackedFiles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexcache_cache_tracked_files",
		Help: "Number of files plexcache holds on the cache tier",
	})

	// Media server metrics
	plexRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_plex_requests_total",
		Help: "Media-server API requests by endpoint and status",
	}, []string{"endpoint", "status"}) // status=success|error|timeout|unauthorized

	// Exclude-list metrics
	excludeEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plexcache_exclude_entries",
		Help: "Paths currently protected in the bulk-mover exclude list",
	})

	// Status API metrics
	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plexcache_http_request_duration_seconds",
		Help:    "Status API request latencies by route pattern",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "plexcache_circuit_breaker_state",
		Help: "Circuit breaker state per component (1 = active state)",
	}, []string{"component", "state"})

	circuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plexcache_circuit_breaker_trips_total",
		Help: "Circuit breaker transitions to the open state",
	}, []string{"component", "reason"})
)

var circuitStates = []string{"closed", "half-open", "open"}

// Move outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeSkipped   = "skipped"
	OutcomeCancelled = "cancelled"
)

// Move direction labels.
const (
	DirectionCache = "cache"
	DirectionArray = "array"
)

func IncMove(direction, outcome string) { movesTotal.WithLabelValues(direction, outcome).Inc() }

func AddBytesMoved(direction string, n uint64) {
	bytesMoved.WithLabelValues(direction).Add(float64(n))
}

func ObserveMoveDuration(direction string, seconds float64) {
	moveDuration.WithLabelValues(direction).Observe(seconds)
}

func IncEviction(mode, outcome string) { evictionsTotal.WithLabelValues(mode, outcome).Inc() }

func AddEvictionBytesFreed(n uint64) { evictionBytesFreed.Add(float64(n)) }

func IncRun(outcome string) { runsTotal.WithLabelValues(outcome).Inc() }

func ObserveRunDuration(seconds float64) { runDuration.Observe(seconds) }

// SetRunPhase marks one phase active and clears the previous one.
func SetRunPhase(previous, current string) {
	if previous != "" {
		runPhase.WithLabelValues(previous).Set(0)
	}
	if current != "" {
		runPhase.WithLabelValues(current).Set(1)
	}
}

func RecordTrackerSize(tracker string, n int) {
	trackerEntries.WithLabelValues(tracker).Set(float64(n))
}

func RecordCacheOccupancy(files int, bytes uint64) {
	cacheTrackedFiles.Set(float64(files))
	cacheTrackedBytes.Set(float64(bytes))
}

func IncPlexRequest(endpoint, status string) {
	plexRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func RecordExcludeEntries(n int) { excludeEntries.Set(float64(n)) }

// ObserveHTTPRequest records one served API request. path should be the
// route pattern, not the raw URL, to keep cardinality bounded.
func ObserveHTTPRequest(method, path string, status int, seconds float64) {
	httpRequestDuration.WithLabelValues(method, path, strconv.Itoa(status)).Observe(seconds)
}

// SetCircuitBreakerState records the active breaker state for a component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range circuitStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		circuitBreakerState.WithLabelValues(component, s).Set(value)
	}
}

// RecordCircuitBreakerTrip increments the trip counter when a breaker opens.
func RecordCircuitBreakerTrip(component, reason string) {
	circuitBreakerTrips.WithLabelValues(component, reason).Inc()
}
