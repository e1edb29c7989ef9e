package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine metrics, registered on the default registry and served by
// Handler on /metrics.
var (
	EventsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caselog_events_ingested_total",
		Help: "Events appended to the log.",
	})
	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caselog_events_rejected_total",
		Help: "Events rejected before persistence.",
	})
	ResourcesIndexed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caselog_resources_indexed",
		Help: "Live documents in the search index.",
	})
	SearchQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "caselog_search_queries_total",
		Help: "Search queries executed.",
	})
	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "caselog_stream_subscribers",
		Help: "Currently connected live subscribers.",
	})
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "caselog_http_request_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
