package native

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики нативного слоя. Нулевой указатель допустим и ничего не считает.
type Metrics struct {
	events  *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

// NewMetrics регистрирует счетчики в reg
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "native",
			Name:      "events_total",
			Help:      "Native telephony events delivered to the call controller",
		}, []string{"type"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "native",
			Name:      "events_dropped_total",
			Help:      "Native telephony events suppressed as duplicates or overflow",
		}, []string{"reason"}),
	}
}

func (m *Metrics) delivered(t EventType) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}
