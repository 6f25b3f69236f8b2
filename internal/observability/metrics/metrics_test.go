package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRelayMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRelayMetrics(reg)
	m.ObserveInbound("message", "accepted")
	m.ObserveInbound("message", "accepted")
	m.ObserveDispatch("replied")
	m.ObserveUpstreamLatency("assistant", 0.5)

	if got := testutil.ToFloat64(m.inboundTotal.WithLabelValues("message", "accepted")); got != 2 {
		t.Fatalf("inbound accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dispatchTotal.WithLabelValues("replied")); got != 1 {
		t.Fatalf("dispatch replied = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.upstreamLatency); n != 1 {
		t.Fatalf("expected one latency series, got %d", n)
	}
}

func TestRelayMetricsNilSafe(t *testing.T) {
	var m *RelayMetrics
	m.ObserveInbound("message", "accepted")
	m.ObserveDispatch("replied")
	m.ObserveUpstreamLatency("whatsapp", 0.1)
}
