package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Queue metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remedy_queue_depth",
			Help: "Number of incidents waiting for a worker by priority",
		},
		[]string{"priority"},
	)

	IncidentsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_incidents_enqueued_total",
			Help: "Detections received by outcome (created, coalesced, rejected)",
		},
		[]string{"outcome"},
	)

	IncidentsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_incidents_finished_total",
			Help: "Incidents that left the pipeline by final status",
		},
		[]string{"status"},
	)

	IncidentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_incident_transitions_total",
			Help: "State machine transitions by target status",
		},
		[]string{"to"},
	)

	ApprovalWaitSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "remedy_approval_wait_seconds",
			Help:    "Time from approval request to decision",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200}, // 30s to 2h
		},
		[]string{"decision"},
	)

	// Production lock
	ProductionLockHeld = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_production_lock_held",
			Help: "1 while an incident holds the production lock",
		},
	)

	LockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remedy_production_lock_wait_seconds",
			Help:    "Time incidents spent blocked on the production lock",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		},
	)

	// Shadow verification
	ShadowsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_shadows_active",
			Help: "Shadow environments currently holding cluster resources",
		},
	)

	ShadowProvisionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_shadow_provision_attempts_total",
			Help: "Shadow provisioning attempts by result (ready, transient, fatal)",
		},
		[]string{"result"},
	)

	ShadowTeardownFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "remedy_shadow_teardown_failures_total",
			Help: "Teardown attempts that failed",
		},
	)

	ShadowsStale = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "remedy_shadows_stale",
			Help: "Shadow environments whose teardown exhausted its retries",
		},
	)

	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_verifications_total",
			Help: "Completed shadow verifications by outcome",
		},
		[]string{"outcome"},
	)

	VerificationDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "remedy_verification_duration_seconds",
			Help:    "Wall time of a shadow verification including teardown",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800},
		},
	)

	GateResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_gate_results_total",
			Help: "Security and functional gate results",
		},
		[]string{"gate", "result"}, // result: passed, failed, skipped
	)

	ToolBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remedy_tool_breaker_state",
			Help: "Circuit breaker state per external tool (0 closed, 1 open, 2 half-open)",
		},
		[]string{"tool"},
	)

	// Rollback monitor
	RollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "remedy_rollback_decisions_total",
			Help: "Monitoring windows by outcome (stable, reverted, cancelled)",
		},
		[]string{"outcome"},
	)

	MonitoredErrorRate = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "remedy_monitored_error_rate",
			Help: "Last sampled error rate for resources under post-deploy monitoring",
		},
		[]string{"resource"},
	)
)

// RecordEnqueue counts a detection by what the queue did with it.
func RecordEnqueue(outcome string) {
	IncidentsEnqueuedTotal.WithLabelValues(outcome).Inc()
}

// RecordTransition counts a state machine transition.
func RecordTransition(to string) {
	IncidentTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordFinished counts an incident reaching its final status.
func RecordFinished(status string) {
	IncidentsFinishedTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth publishes the waiting count for one priority.
func SetQueueDepth(priority string, depth int) {
	QueueDepth.WithLabelValues(priority).Set(float64(depth))
}

// RecordApproval observes how long a decision took.
func RecordApproval(decision string, waited time.Duration) {
	ApprovalWaitSeconds.WithLabelValues(decision).Observe(waited.Seconds())
}

// SetLockHeld publishes the production lock state.
func SetLockHeld(held bool) {
	if held {
		ProductionLockHeld.Set(1)
		return
	}
	ProductionLockHeld.Set(0)
}

// RecordLockWait observes time spent blocked on the production lock.
func RecordLockWait(waited time.Duration) {
	LockWaitSeconds.Observe(waited.Seconds())
}

// RecordGate counts one gate result.
func RecordGate(gate string, passed, skipped bool) {
	result := "failed"
	switch {
	case skipped:
		result = "skipped"
	case passed:
		result = "passed"
	}
	GateResultsTotal.WithLabelValues(gate, result).Inc()
}

// RecordProvisionAttempt counts a provisioning attempt.
func RecordProvisionAttempt(result string) {
	ShadowProvisionAttemptsTotal.WithLabelValues(result).Inc()
}

// RecordVerification counts a finished verification and its duration.
func RecordVerification(outcome string, took time.Duration) {
	VerificationsTotal.WithLabelValues(outcome).Inc()
	VerificationDurationSeconds.Observe(took.Seconds())
}

// SetBreakerState publishes a tool breaker's state.
func SetBreakerState(tool string, state int) {
	ToolBreakerState.WithLabelValues(tool).Set(float64(state))
}

// RecordRollback counts a monitoring outcome.
func RecordRollback(outcome string) {
	RollbacksTotal.WithLabelValues(outcome).Inc()
}

// SetMonitoredErrorRate publishes the latest sample for a resource.
func SetMonitoredErrorRate(resource string, value float64) {
	MonitoredErrorRate.WithLabelValues(resource).Set(value)
}

// ClearMonitoredErrorRate drops the series once monitoring ends.
func ClearMonitoredErrorRate(resource string) {
	MonitoredErrorRate.DeleteLabelValues(resource)
}
