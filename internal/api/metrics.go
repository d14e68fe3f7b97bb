package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentic_gateway_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	authRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_auth_rejections_total",
			Help: "Agent requests rejected by the authentication pipeline, by reason.",
		},
		[]string{"reason", "scheme"},
	)
	settlementOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_settlement_outcomes_total",
			Help: "Settlement operations by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	rateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentic_gateway_rate_limit_decisions_total",
			Help: "Rate limiter decisions for authenticated agent requests.",
		},
		[]string{"decision"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration,
		authRejectionsTotal, settlementOutcomesTotal, rateLimitDecisionsTotal)
}

// RegisterSettlementInFlightGauge registers a gauge reporting settlement
// operations currently holding an order lock.
func RegisterSettlementInFlightGauge(countFn func() float64) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "agentic_gateway_settlements_in_flight",
			Help: "Number of settlement operations currently in progress.",
		},
		countFn,
	))
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
