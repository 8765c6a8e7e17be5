package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine is the metric set shared by the streaming components. Every method is
// safe on a nil *Engine so components can run unobserved.
type Engine struct {
	resolve         *prometheus.CounterVec
	batches         *prometheus.CounterVec
	backoff         prometheus.Gauge
	batchKeys       prometheus.Histogram
	extract         *prometheus.HistogramVec
	extractFailures *prometheus.CounterVec
	resident        prometheus.Gauge
	storeOps        *prometheus.CounterVec
}

// NewEngine builds the set and registers it on r when r is non-nil.
func NewEngine(r prometheus.Registerer) *Engine {
	m := &Engine{
		resolve: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilestream_resolve_total",
				Help: "Tile resolutions by outcome tier.",
			},
			[]string{"outcome"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilestream_network_batches_total",
				Help: "Network batch exchanges by result.",
			},
			[]string{"result"},
		),
		backoff: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilestream_network_backoff_ms",
				Help: "Current network backoff in milliseconds.",
			},
		),
		batchKeys: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tilestream_network_batch_keys",
				Help:    "Keys per outbound network batch.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
		),
		extract: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tilestream_extract_seconds",
				Help:    "Time spent decoding one payload.",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 15),
			},
			[]string{"content"},
		),
		extractFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilestream_extract_failures_total",
				Help: "Extraction failures by reason.",
			},
			[]string{"reason"},
		),
		resident: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilestream_tiles_resident",
				Help: "Tile states currently held by the control loop.",
			},
		),
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilestream_store_op_total",
				Help: "Cache store operations by store, op and result.",
			},
			[]string{"store", "op", "result"},
		),
	}
	if r != nil {
		r.MustRegister(m.resolve, m.batches, m.backoff, m.batchKeys, m.extract, m.extractFailures, m.resident, m.storeOps)
	}
	return m
}

func (m *Engine) Resolve(outcome string) {
	if m == nil {
		return
	}
	m.resolve.WithLabelValues(outcome).Inc()
}

func (m *Engine) Batch(result string, keys int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
	if result == "sent" {
		m.batchKeys.Observe(float64(keys))
	}
}

func (m *Engine) Backoff(ms int) {
	if m == nil {
		return
	}
	m.backoff.Set(float64(ms))
}

func (m *Engine) Extracted(content string, d time.Duration) {
	if m == nil {
		return
	}
	m.extract.WithLabelValues(content).Observe(d.Seconds())
}

func (m *Engine) ExtractFailed(reason string) {
	if m == nil {
		return
	}
	m.extractFailures.WithLabelValues(reason).Inc()
}

func (m *Engine) Resident(n int) {
	if m == nil {
		return
	}
	m.resident.Set(float64(n))
}

// StoreOp records one cache store call; err decides the result label.
func (m *Engine) StoreOp(store, op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.storeOps.WithLabelValues(store, op, result).Inc()
}

// StoreMiss records a store lookup that found nothing.
func (m *Engine) StoreMiss(store, op string) {
	if m == nil {
		return
	}
	m.storeOps.WithLabelValues(store, op, "miss").Inc()
}
