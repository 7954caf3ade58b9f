// Package metrics declares the Prometheus collectors exported by the
// inventory service. Collectors are registered on the default registry at
// package init, the same way promauto is used everywhere else.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations counts reserve attempts by outcome
	// (ok, insufficient, category_not_found, seat_unavailable, error).
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_total",
		Help: "Reserve attempts by outcome",
	}, []string{"result"})

	// ReservedSeats counts seats moved from available to locked.
	ReservedSeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_reserved_seats_total",
		Help: "Seats moved from available to locked",
	})

	// Rollbacks counts rollback attempts by outcome.
	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_rollbacks_total",
		Help: "Rollback attempts by outcome",
	}, []string{"result"})

	// Populations counts ledger population attempts (loaded, already_resident, error).
	Populations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_populations_total",
		Help: "Ledger population attempts from the durable store",
	}, []string{"result"})

	// InvariantViolations counts fatal invariant violations. Any non-zero
	// value should page someone.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inventory_invariant_violations_total",
		Help: "Detected violations of inventory atomicity invariants",
	})

	// LockAcquisitions counts lock acquire attempts by lock type and result
	// (acquired, timeout, error).
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lock_acquisitions_total",
		Help: "Distributed lock acquire attempts",
	}, []string{"type", "result"})

	// LockWait observes time spent waiting for a lock.
	LockWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lock_wait_seconds",
		Help:    "Time spent waiting to acquire a distributed lock",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"type"})

	// CacheRequests counts multi-level cache lookups by tier and result.
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_requests_total",
		Help: "Multi-level cache lookups by tier (local, remote, loader) and result",
	}, []string{"tier", "result"})

	// ClockRegressions counts backwards clock jumps seen by the id generator.
	ClockRegressions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idgen_clock_regressions_total",
		Help: "Backwards clock movements observed while minting identifiers",
	}, []string{"outcome"})

	// Invalidations counts cache invalidation events by direction.
	Invalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_invalidations_total",
		Help: "Local cache invalidation events published or applied",
	}, []string{"direction"})

	// Throttled counts requests refused by the rate limiter, by bucket
	// (client or buyer).
	Throttled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_throttled_requests_total",
		Help: "Requests rejected with 429 by the rate limiter",
	}, []string{"bucket"})
)
