package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mythai_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mythai_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mythai_turns_total",
			Help: "Total number of chat turns by outcome.",
		},
		[]string{"outcome"},
	)

	TurnFragmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mythai_turn_fragments_total",
			Help: "Total number of streamed fragments forwarded to clients.",
		},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mythai_turn_duration_seconds",
			Help:    "End-to-end chat turn duration in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
	)

	TitleResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mythai_title_results_total",
			Help: "Total number of title generation attempts by result.",
		},
		[]string{"result"},
	)

	QuotaDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mythai_quota_denials_total",
			Help: "Total number of turns rejected at admission.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TurnsTotal,
		TurnFragmentsTotal,
		TurnDuration,
		TitleResultsTotal,
		QuotaDenialsTotal,
	)
}
