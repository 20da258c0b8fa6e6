// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronicle_store_op_microsec",
		Help:    "Latency of event store operations in microseconds",
		Buckets: prometheus.ExponentialBuckets(50, 2, 12),
	}, []string{"op"})

	RefreshRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronicle_refresh_runs_total",
		Help: "Completed refresh runs by result",
	}, []string{"result"})

	FetchResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronicle_ics_fetch_total",
		Help: "ICS subscription fetches by source and result",
	}, []string{"source", "result"})

	Occurrences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_occurrences",
		Help: "Occurrences in the current refresh snapshot",
	})

	TruncatedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronicle_truncated_rules",
		Help: "Recurring events that hit the per-event occurrence cap in the last refresh",
	})

	Collisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronicle_event_collisions_total",
		Help: "Event creations rejected because of a collision",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronicle_http_requests_total",
		Help: "HTTP API requests by route and status code",
	}, []string{"route", "code"})
)

// ObserveStore records the latency of a store operation started at start.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
