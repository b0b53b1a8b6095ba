package server

import (
	"net/http"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry       *prometheus.Registry
	claims         *prometheus.CounterVec
	requests       *prometheus.CounterVec
	protocolErrors prometheus.Counter
	connections    prometheus.Gauge
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testforeman",
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"result"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "testforeman",
			Name:      "requests_total",
			Help:      "Valid requests by command.",
		}, []string{"command"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "testforeman",
			Name:      "protocol_errors_total",
			Help:      "Requests that could not be parsed.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "testforeman",
			Name:      "connections",
			Help:      "Currently open client connections.",
		}),
	}
	m.registry.MustRegister(m.claims, m.requests, m.protocolErrors, m.connections)
	return m
}

func (m *Metrics) observeClaim(granted bool) {
	if granted {
		m.claims.WithLabelValues("granted").Inc()
	} else {
		m.claims.WithLabelValues("taken").Inc()
	}
}

// Router serves /metrics and /healthz.
func (m *Metrics) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	return r
}
