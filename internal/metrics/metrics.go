// Sessionkeeper - Media Server Session Tracking and Policy Enforcement
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sessionkeeper

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sessionkeeper"

var (
	// Poll Metrics
	PollCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of one poll cycle for one server",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"server_id", "kind"}, // kind: poll, reconcile
	)

	PollFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_fetch_errors_total",
			Help:      "Snapshot fetches that failed; the cycle was skipped",
		},
		[]string{"server_id"},
	)

	PollCycleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycle_errors_total",
			Help:      "Poll cycles aborted by a persistence failure",
		},
		[]string{"server_id"},
	)

	PollLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_last_success_timestamp",
			Help:      "Unix time of the last successful poll cycle",
		},
		[]string{"server_id"},
	)

	// Session Metrics
	SessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Sessions created, by kind (new, resume)",
		},
		[]string{"server_id", "kind"},
	)

	SessionsUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_updated_total",
			Help:      "In-place updates of active sessions",
		},
		[]string{"server_id"},
	)

	SessionsStopped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_stopped_total",
			Help:      "Sessions finalized, by stop reason",
		},
		[]string{"server_id", "reason"},
	)

	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Active sessions seen in the last poll cycle",
		},
		[]string{"server_id"},
	)

	QualityChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_changes_total",
			Help:      "Mid-play stream quality changes",
		},
		[]string{"server_id"},
	)

	StaleSessionsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_sessions_swept_total",
			Help:      "Sessions force-stopped by the stale sweep",
		},
	)

	// Rule Metrics
	Violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Violations recorded, by rule type",
		},
		[]string{"rule_type"},
	)

	RuleEvaluationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_evaluation_errors_total",
			Help:      "Rules that failed to evaluate and were skipped",
		},
		[]string{"rule_type"},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Duration of DuckDB operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_query_errors_total",
			Help:      "DuckDB operations that returned an error",
		},
		[]string{"operation"},
	)

	DBTxRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_tx_retries_total",
			Help:      "Transactions retried after a write conflict",
		},
	)

	DBUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_up",
			Help:      "1 when the last database health check succeeded",
		},
	)

	// Lock Metrics
	LockWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring a session key lock",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"backend"},
	)

	LockTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions that gave up",
		},
		[]string{"backend"},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_requests_total",
			Help:      "Requests through a circuit breaker, by result",
		},
		[]string{"name", "result"}, // success, failure, rejected
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Event Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Session events published",
		},
		[]string{"type"},
	)

	EventPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_publish_errors_total",
			Help:      "Session events that failed to publish",
		},
		[]string{"type"},
	)

	// HTTP Metrics
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests by route pattern",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served",
		},
	)

	// Push Intake Metrics
	PushEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_events_total",
			Help:      "Push events received from media servers",
		},
		[]string{"event", "status"},
	)
)

// RecordDBQuery records a database operation.
func RecordDBQuery(operation string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordPollCycle records a finished poll cycle.
func RecordPollCycle(serverID, kind string, duration time.Duration, err error) {
	PollCycleDuration.WithLabelValues(serverID, kind).Observe(duration.Seconds())
	if err != nil {
		PollCycleErrors.WithLabelValues(serverID).Inc()
		return
	}
	PollLastSuccess.WithLabelValues(serverID).Set(float64(time.Now().Unix()))
}

// RecordLockWait records how long a lock acquisition took.
func RecordLockWait(backend string, waited time.Duration, err error) {
	LockWait.WithLabelValues(backend).Observe(waited.Seconds())
	if err != nil {
		LockTimeouts.WithLabelValues(backend).Inc()
	}
}

// RecordCircuitBreakerResult counts one call through a breaker.
func RecordCircuitBreakerResult(name, result string) {
	CircuitBreakerRequests.WithLabelValues(name, result).Inc()
}

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
