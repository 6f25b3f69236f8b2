package metrics

import "github.com/prometheus/client_golang/prometheus"

// RelayMetrics exposes counters/histograms for the webhook relay flow.
type RelayMetrics struct {
	inboundTotal    *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec
}

// NewRelayMetrics registers the relay collectors on reg, or on the default
// registerer when reg is nil. Registering twice on one registry panics.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	m := &RelayMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound WhatsApp webhooks",
		}, []string{"kind", "status"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wa_relay",
			Subsystem: "dispatch",
			Name:      "outcome_total",
			Help:      "Dispatch results by outcome",
		}, []string{"outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wa_relay",
			Subsystem: "upstream",
			Name:      "latency_seconds",
			Help:      "Latency of assistant and WhatsApp calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.dispatchTotal, m.upstreamLatency)
	return m
}

// ObserveInbound counts a webhook delivery by payload kind and handling status.
// All Observe methods are no-ops on a nil receiver.
func (m *RelayMetrics) ObserveInbound(kind, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(kind, status).Inc()
}

// ObserveDispatch counts one dispatch outcome.
func (m *RelayMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(outcome).Inc()
}

// ObserveUpstreamLatency records a call to target ("assistant" or "whatsapp").
func (m *RelayMetrics) ObserveUpstreamLatency(target string, seconds float64) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(target).Observe(seconds)
}
