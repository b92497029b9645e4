// Prometheus metrics, adapted from the teacher's pkg/p2pnet/metrics.go:
// an isolated *prometheus.Registry (so these collectors never collide
// with a process-wide default registry) and nil-safe methods so every
// call site can hold a *Metrics that may be nil without branching.
package overlay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this package publishes.
type Metrics struct {
	Registry *prometheus.Registry

	StunProbeTotal   *prometheus.CounterVec
	PunchTotal       *prometheus.CounterVec
	PunchDuration    *prometheus.HistogramVec
	RoutesActive     *prometheus.GaugeVec
	PacketsTotal     *prometheus.CounterVec
	BytesTotal       *prometheus.CounterVec
	HeartbeatRTT     *prometheus.HistogramVec
	RegistrationTotal *prometheus.CounterVec
}

// NewMetrics builds a Metrics with every collector registered on a
// fresh, isolated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		StunProbeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnt_stun_probe_total",
			Help: "Total STUN probes, by server and outcome.",
		}, []string{"server", "result"}),
		PunchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnt_punch_total",
			Help: "Total hole punch attempts, by strategy and outcome.",
		}, []string{"strategy", "result"}),
		PunchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnt_punch_duration_seconds",
			Help:    "Time from punch start to route confirmation.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"strategy"}),
		RoutesActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vnt_routes_active",
			Help: "Active routes per peer.",
		}, []string{"peer"}),
		PacketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnt_packets_total",
			Help: "Packets processed, by direction and protocol class.",
		}, []string{"direction", "class"}),
		BytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnt_bytes_total",
			Help: "Bytes processed, by direction.",
		}, []string{"direction"}),
		HeartbeatRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vnt_heartbeat_rtt_seconds",
			Help:    "Measured ping RTT per peer route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"peer"}),
		RegistrationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vnt_registration_total",
			Help: "Registration attempts, by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.StunProbeTotal, m.PunchTotal, m.PunchDuration, m.RoutesActive,
		m.PacketsTotal, m.BytesTotal, m.HeartbeatRTT, m.RegistrationTotal,
	)
	return m
}

// Handler exposes the registry's collectors over /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStunProbe(server string, ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.StunProbeTotal.WithLabelValues(server, result).Inc()
}

func (m *Metrics) ObservePunch(strategy string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.PunchTotal.WithLabelValues(strategy, result).Inc()
	m.PunchDuration.WithLabelValues(strategy).Observe(seconds)
}

func (m *Metrics) SetRoutesActive(peer string, n int) {
	if m == nil {
		return
	}
	m.RoutesActive.WithLabelValues(peer).Set(float64(n))
}

func (m *Metrics) ObservePacket(direction, class string, bytes int) {
	if m == nil {
		return
	}
	m.PacketsTotal.WithLabelValues(direction, class).Inc()
	m.BytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

func (m *Metrics) ObserveHeartbeatRTT(peer string, seconds float64) {
	if m == nil {
		return
	}
	m.HeartbeatRTT.WithLabelValues(peer).Observe(seconds)
}

func (m *Metrics) ObserveRegistration(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.RegistrationTotal.WithLabelValues(result).Inc()
}
