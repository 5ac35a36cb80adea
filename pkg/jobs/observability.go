package jobs

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	statusSuccess = "success"
	statusRetry   = "retry"
	statusDLQ     = "dlq"
	statusDropped = "dropped"
)

var (
	jobsEnqueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"queue"},
	)

	jobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_jobs_processed_total",
			Help: "Total number of jobs processed by workers",
		},
		[]string{"queue", "status"},
	)

	jobsRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_jobs_retry_total",
			Help: "Total number of job retries scheduled by workers",
		},
		[]string{"queue"},
	)

	jobsDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_jobs_dlq_total",
			Help: "Total number of jobs moved to the dead-letter queue",
		},
		[]string{"queue"},
	)

	jobsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_jobs_dropped_total",
			Help: "Total number of jobs acknowledged without retry or dead-lettering after a store failure",
		},
		[]string{"queue"},
	)

	jobsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runqueue_jobs_inflight",
			Help: "Current number of in-flight jobs being processed by workers",
		},
		[]string{"queue"},
	)

	trackingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runqueue_tracking_failures_total",
			Help: "Total number of swallowed tracking store failures",
		},
		[]string{"operation"},
	)

	queueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runqueue_queue_length",
			Help: "Last observed number of live messages per queue",
		},
		[]string{"queue"},
	)
)

func recordJobEnqueued(queue string) {
	jobsEnqueuedTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func recordJobProcessed(queue, status string) {
	jobsProcessedTotal.WithLabelValues(
		normalizeMetricLabel(queue, "unknown"),
		normalizeMetricLabel(status, "unknown"),
	).Inc()
}

func recordJobRetry(queue string) {
	jobsRetryTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func recordJobDLQ(queue string) {
	jobsDLQTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func recordJobDropped(queue string) {
	jobsDroppedTotal.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func recordTrackingFailure(operation string) {
	trackingFailuresTotal.WithLabelValues(normalizeMetricLabel(operation, "unknown")).Inc()
}

func recordQueueLength(queue string, length int64) {
	queueLength.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Set(float64(length))
}

func incrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Inc()
}

func decrementJobInFlight(queue string) {
	jobsInFlight.WithLabelValues(normalizeMetricLabel(queue, "unknown")).Dec()
}

func normalizeMetricLabel(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

// Collectors returns the runqueue collectors so hosts can expose them on their own registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		jobsEnqueuedTotal,
		jobsProcessedTotal,
		jobsRetryTotal,
		jobsDLQTotal,
		jobsDroppedTotal,
		jobsInFlight,
		trackingFailuresTotal,
		queueLength,
	}
}
