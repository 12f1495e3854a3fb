package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the proxy's Prometheus collectors on a private
// registry so multiple instances (tests) never collide.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostSats       *prometheus.CounterVec
	RetriesTotal   *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbstr_requests_total",
			Help: "Total chat completion requests routed through arbstr",
		}, []string{"model", "provider", "status", "streaming"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbstr_request_latency_ms",
			Help:    "Upstream request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"model", "provider"}),
		CostSats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbstr_cost_sats_total",
			Help: "Estimated spend in satoshis, computed from provider rates",
		}, []string{"model", "provider"}),
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arbstr_retries_total",
			Help: "Retry attempts beyond the first, including fallback attempts",
		}, []string{"provider"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arbstr_circuit_state",
			Help: "Circuit breaker state per provider (0=closed, 1=half_open, 2=open)",
		}, []string{"provider"}),
	}
	reg.MustRegister(m.RequestsTotal, m.RequestLatency, m.CostSats, m.RetriesTotal, m.CircuitState)
	return m
}

// ObserveCircuitState is shaped to plug into the circuit breaker
// registry's state-change callback.
func (m *Registry) ObserveCircuitState(provider, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(provider).Set(v)
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
