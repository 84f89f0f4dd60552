package metrics

import "github.com/prometheus/client_golang/prometheus"

// OutboxMetrics counts relay outcomes per topic.
type OutboxMetrics struct {
	publishes *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	m := &OutboxMetrics{
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox rows handled by the relay, by topic and outcome.",
		}, []string{"topic", "outcome"}),
	}
	reg.MustRegister(m.publishes)
	return m
}

// ObservePublish records one handled row. topic is empty for rows that never resolved.
func (m *OutboxMetrics) ObservePublish(topic, outcome string) {
	if m == nil || m.publishes == nil {
		return
	}
	if topic == "" {
		topic = "unresolved"
	}
	m.publishes.WithLabelValues(topic, normalizeLabel(outcome)).Inc()
}
