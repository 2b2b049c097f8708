package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 20},
	}, []string{"method", "path"})

	SearchesServedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "searches_served_total",
		Help:      "Search responses by freshness outcome (fresh, stale, pending).",
	}, []string{"outcome"})

	SessionsStartedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "sessions_started_total",
		Help:      "Total background fetch sessions scheduled.",
	})

	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "sessions_active",
		Help:      "Background fetch sessions currently running.",
	})

	SourceFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "source_fetches_total",
		Help:      "Total source fetches by source name and result status.",
	}, []string{"source", "status"})

	SourceFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "search",
		Name:      "source_fetch_duration_seconds",
		Help:      "Source fetch duration in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"source"})

	ProductsUpsertedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "products_upserted_total",
		Help:      "Total product rows written through the reconciliation store.",
	}, []string{"source"})

	SubscribersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "search",
		Name:      "subscribers_active",
		Help:      "Live connections currently subscribed to a session.",
	})

	EventsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "search",
		Name:      "events_published_total",
		Help:      "Session events published by event type.",
	}, []string{"type"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SearchesServedTotal,
		SessionsStartedTotal,
		SessionsActive,
		SourceFetchesTotal,
		SourceFetchDuration,
		ProductsUpsertedTotal,
		SubscribersActive,
		EventsPublishedTotal,
	)
}
