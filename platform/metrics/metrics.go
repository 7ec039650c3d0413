// Package metrics provides Prometheus metrics for ingestion and reconciliation.
// Labels never carry session ids or entry ids.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// InboxEnqueueTotal counts enqueue attempts by source and result (accepted/duplicate).
	InboxEnqueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_inbox_enqueue_total",
		Help: "Total number of inbox enqueue attempts, by source and result.",
	}, []string{"source", "result"})

	// InboxOutcomeTotal counts processed inbox entries by outcome.
	InboxOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_inbox_outcome_total",
		Help: "Total number of processed inbox entries, by outcome (applied, rejected reason, retry, dead_letter).",
	}, []string{"outcome"})

	// InboxRequeuedTotal counts stale processing claims returned to the queue.
	InboxRequeuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsync_inbox_requeued_total",
		Help: "Total number of inbox entries requeued after a stale claim.",
	})

	// SnapshotConflictTotal counts optimistic concurrency conflicts on snapshot writes.
	SnapshotConflictTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "callsync_snapshot_conflict_total",
		Help: "Total number of snapshot version conflicts resolved by re-reading.",
	})

	// ReconcileRunsTotal counts reconciliation runs by job and result.
	ReconcileRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_reconcile_runs_total",
		Help: "Total number of reconciliation runs, by job and result (success, failed, skipped, locked).",
	}, []string{"job", "result"})

	// ReconcileDriftTotal counts sessions found out of sync with the provider.
	ReconcileDriftTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_reconcile_drift_total",
		Help: "Total number of sessions whose local snapshot drifted from the provider, by job.",
	}, []string{"job"})

	// ReconcileDuration tracks reconciliation run latency.
	ReconcileDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "callsync_reconcile_duration_seconds",
		Help:    "Duration of reconciliation runs, by job.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	// ProviderRequestsTotal counts provider API calls by operation and result.
	ProviderRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_provider_requests_total",
		Help: "Total number of provider poll API requests, by operation and result.",
	}, []string{"op", "result"})

	// NotifyDeliveredTotal counts change deltas handed to subscribers, by sink.
	NotifyDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_notify_delivered_total",
		Help: "Total number of snapshot change deltas delivered, by sink.",
	}, []string{"sink"})

	// NotifyDroppedTotal counts deltas dropped because a subscriber was too slow.
	NotifyDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "callsync_notify_dropped_total",
		Help: "Total number of snapshot change deltas dropped, by sink.",
	}, []string{"sink"})
)

// RecordEnqueue increments the enqueue counter.
func RecordEnqueue(source string, duplicate bool) {
	result := "accepted"
	if duplicate {
		result = "duplicate"
	}
	InboxEnqueueTotal.WithLabelValues(source, result).Inc()
}

// RecordInboxOutcome increments the outcome counter.
func RecordInboxOutcome(outcome string) {
	InboxOutcomeTotal.WithLabelValues(outcome).Inc()
}

// RecordReconcileRun records the result and latency of one run.
func RecordReconcileRun(job, result string, elapsed time.Duration) {
	ReconcileRunsTotal.WithLabelValues(job, result).Inc()
	ReconcileDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// RecordProviderRequest increments the provider request counter.
func RecordProviderRequest(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProviderRequestsTotal.WithLabelValues(op, result).Inc()
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
