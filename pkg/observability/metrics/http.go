package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var adminLabels = []string{"method", "route", "status"}

var (
	adminRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "runqueue_admin_request_duration_seconds",
		Help:    "Latency of admin API requests.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, adminLabels)

	adminRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "runqueue_admin_requests_total",
		Help: "Admin API requests by method, route and status.",
	}, adminLabels)

	adminInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "runqueue_admin_requests_in_flight",
		Help: "Admin API requests currently being served.",
	})
)

func adminCollectors() []prometheus.Collector {
	return []prometheus.Collector{adminRequestDuration, adminRequests, adminInFlight}
}

// TrackRequest marks one admin request in flight. The returned func ends it; route must be
// the matched pattern (empty when nothing matched) so label cardinality stays bounded.
func TrackRequest(method string) func(route string, status int) {
	start := time.Now()
	adminInFlight.Inc()
	return func(route string, status int) {
		adminInFlight.Dec()
		if route == "" {
			route = "unmatched"
		}
		code := strconv.Itoa(status)
		adminRequestDuration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
		adminRequests.WithLabelValues(method, route, code).Inc()
	}
}
