package call

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig настройки метрик контроллера
type MetricsConfig struct {
	Enabled    bool
	Namespace  string
	Registerer prometheus.Registerer
}

// Metrics метрики звонков. Нулевой указатель допустим.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration prometheus.Histogram
	active   prometheus.Gauge
}

// NewMetrics регистрирует метрики. При выключенном сборе возвращает nil.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "calls_total",
			Help:      "Finished calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "call_duration_seconds",
			Help:      "Talk time of connected calls",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_calls",
			Help:      "Calls that have not reached Ended",
		}),
	}
}

func (m *Metrics) started() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) finished(dir Direction, outcome string, talk time.Duration) {
	if m == nil {
		return
	}
	m.active.Dec()
	m.calls.WithLabelValues(string(dir), outcome).Inc()
	if talk > 0 {
		m.duration.Observe(talk.Seconds())
	}
}
