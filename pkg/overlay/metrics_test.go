package overlay

import "testing"

func TestNilMetricsMethodsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStunProbe("s", true)
	m.ObservePunch("cone-cone", false, 0.1)
	m.SetRoutesActive("10.0.0.1", 2)
	m.ObservePacket("egress", "ip-turn", 100)
	m.ObserveHeartbeatRTT("10.0.0.1", 0.02)
	m.ObserveRegistration(true)
	if m.Handler() == nil {
		t.Error("Handler() should return a non-nil fallback for a nil Metrics")
	}
}

func TestNewMetricsRegistersCollectors(t *testing.T) {
	m := NewMetrics()
	m.ObserveStunProbe("stun1", true)
	m.ObservePunch("cone-cone", true, 0.2)
	m.ObserveRegistration(true)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family after recording observations")
	}
}
