package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	rejectionsTotal *prometheus.CounterVec
}

func newMetricsRegistry(quoteAge, rateLimitHits func() float64) *metricsRegistry {
	ops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_escrow_operations_total",
		Help: "Escrow operations by kind and result",
	}, []string{"op", "result"})

	rejections := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "otc_http_rejections_total",
		Help: "Rejected API requests by reason",
	}, []string{"reason"})

	r := prometheus.NewRegistry()
	r.MustRegister(ops, rejections)

	if quoteAge != nil {
		r.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "otc_quote_age_seconds",
			Help: "Age of the cached price quote, -1 when none is cached",
		}, quoteAge))
	}
	if rateLimitHits != nil {
		r.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "otc_oracle_rate_limit_hits",
			Help: "Consecutive upstream rate limit responses",
		}, rateLimitHits))
	}

	return &metricsRegistry{
		registry:        r,
		operationsTotal: ops,
		rejectionsTotal: rejections,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incOperation(op, result string) {
	m.operationsTotal.WithLabelValues(op, result).Inc()
}

func (m *metricsRegistry) incRejection(reason string) {
	m.rejectionsTotal.WithLabelValues(reason).Inc()
}
