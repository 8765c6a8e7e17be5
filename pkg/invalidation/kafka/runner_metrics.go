package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metricSet struct {
	events  *prometheus.CounterVec
	actions *prometheus.CounterVec
	latency prometheus.Histogram
	lag     prometheus.Gauge
}

func newMetricSet(r prometheus.Registerer) *metricSet {
	m := &metricSet{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilestream_invalidation_events_total",
			Help: "Invalidation events consumed, by result (ok, malformed, rejected).",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tilestream_invalidation_actions_total",
			Help: "Engine actions issued from invalidation events.",
		}, []string{"action"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tilestream_invalidation_apply_seconds",
			Help:    "Time to decode and hand one event to the engine.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
		}),
		lag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tilestream_invalidation_lag_seconds",
			Help: "Age of the last consumed event.",
		}),
	}
	if r != nil {
		r.MustRegister(m.events, m.actions, m.latency, m.lag)
	}
	return m
}
