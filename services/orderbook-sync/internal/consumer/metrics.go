package consumer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Processed *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
	Latency   *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderbook_sync_messages_total",
				Help: "Off-chain updates processed by type and outcome.",
			},
			[]string{"type", "status"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderbook_sync_message_duration_seconds",
				Help:    "Time spent handling one off-chain update.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderbook_sync_message_latency_seconds",
				Help:    "Time from upstream receipt to handled.",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"type"},
		),
	}
	registry.MustRegister(m.Processed, m.Duration, m.Latency)
	return m
}

func (m *Metrics) observe(updateType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(updateType, status).Inc()
	m.Duration.WithLabelValues(updateType).Observe(duration.Seconds())
}

func (m *Metrics) observeLatency(updateType string, latency time.Duration) {
	if m == nil || latency < 0 {
		return
	}
	m.Latency.WithLabelValues(updateType).Observe(latency.Seconds())
}
