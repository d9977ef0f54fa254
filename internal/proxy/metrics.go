package proxy

import "github.com/prometheus/client_golang/prometheus"

// Metrics records proxy traffic. A nil *Metrics records nothing.
type Metrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	upgrades *prometheus.GaugeVec
}

// NewMetrics creates the proxy collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devserver",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests forwarded by the dev-server proxy.",
		}, []string{"route", "kind"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devserver",
			Subsystem: "proxy",
			Name:      "errors_total",
			Help:      "Proxy requests that failed to reach the backend.",
		}, []string{"route"}),
		upgrades: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "devserver",
			Subsystem: "proxy",
			Name:      "active_upgrades",
			Help:      "Upgraded connections currently being relayed.",
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.errors, m.upgrades)
	}
	return m
}

func (m *Metrics) request(route, kind string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, kind).Inc()
}

func (m *Metrics) failure(route string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(route).Inc()
}

func (m *Metrics) upgradeStarted(route string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(route).Inc()
}

func (m *Metrics) upgradeEnded(route string) {
	if m == nil {
		return
	}
	m.upgrades.WithLabelValues(route).Dec()
}
