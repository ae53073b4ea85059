package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	messages    *prometheus.CounterVec
	broadcasts  prometheus.Counter
	rateLimited prometheus.Counter
	publishErrs prometheus.Counter
}

// newMetrics builds a private registry so several servers can coexist in
// one process.
func newMetrics(connections func() float64) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roomsync_message_events_total",
			Help: "Message change events by type.",
		}, []string{"type"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_broadcasts_total",
			Help: "Ephemeral broadcasts relayed.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_rate_limited_total",
			Help: "Sends rejected by the per-participant limiter.",
		}),
		publishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roomsync_publish_errors_total",
			Help: "Change events the external publisher failed to accept.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.messages,
		m.broadcasts,
		m.rateLimited,
		m.publishErrs,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "roomsync_ws_connections",
			Help: "Open websocket connections.",
		}, connections),
		collectors.NewGoCollector(),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
