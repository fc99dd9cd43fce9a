package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tunnel outcomes recorded by the relays.
const (
	resultOK          = "ok"
	resultBadRequest  = "bad_request"
	resultUpstreamErr = "upstream_error"
	resultExitErr     = "exit_error"
	resultCryptoErr   = "crypto_error"
)

// Byte directions: upstream flows toward the target.
const (
	dirUpstream   = "upstream"
	dirDownstream = "downstream"
)

// Metrics holds the relay counters on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry
	tunnels  *prometheus.CounterVec
	active   *prometheus.GaugeVec
	bytes    *prometheus.CounterVec
}

// NewMetrics registers the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tunnels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spectrelink",
			Subsystem: "relay",
			Name:      "tunnels_total",
			Help:      "Tunnel setups by relay role and outcome.",
		}, []string{"role", "result"}),
		active: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "spectrelink",
			Subsystem: "relay",
			Name:      "active_tunnels",
			Help:      "Tunnels currently bridged.",
		}, []string{"role"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "spectrelink",
			Subsystem: "relay",
			Name:      "bytes_total",
			Help:      "Plaintext stream bytes bridged.",
		}, []string{"role", "direction"}),
	}
	m.registry.MustRegister(m.tunnels, m.active, m.bytes)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) tunnel(role, result string) {
	if m != nil {
		m.tunnels.WithLabelValues(role, result).Inc()
	}
}

func (m *Metrics) open(role string) {
	if m != nil {
		m.active.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) closed(role string) {
	if m != nil {
		m.active.WithLabelValues(role).Dec()
	}
}

func (m *Metrics) add(role, dir string, n int) {
	if m != nil {
		m.bytes.WithLabelValues(role, dir).Add(float64(n))
	}
}
