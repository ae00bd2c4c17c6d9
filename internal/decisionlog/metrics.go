package decisionlog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors for a Pipeline. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	enqueued      prometheus.Counter
	dropped       *prometheus.CounterVec
	flushed       prometheus.Counter
	failed        prometheus.Counter
	depth         prometheus.Gauge
	flushDuration prometheus.Histogram
}

// NewMetrics creates the pipeline collectors and registers them with reg when
// reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "enqueued_total",
			Help:      "Decisions accepted into the log queue.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "dropped_total",
			Help:      "Decisions discarded before persistence, by reason.",
		}, []string{"reason"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "flushed_total",
			Help:      "Decisions written to the store.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "flush_failures_total",
			Help:      "Batches abandoned after all write attempts failed.",
		}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "queue_depth",
			Help:      "Decisions waiting to be flushed.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "requestguard",
			Subsystem: "decision_log",
			Name:      "flush_duration_seconds",
			Help:      "Time spent writing one batch, including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.enqueued, m.dropped, m.flushed, m.failed, m.depth, m.flushDuration)
	}
	return m
}

func (m *Metrics) observeEnqueue(depth int) {
	if m == nil {
		return
	}
	m.enqueued.Inc()
	m.depth.Set(float64(depth))
}

func (m *Metrics) observeDrop(reason string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.dropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) observeDepth(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}

func (m *Metrics) observeFlush(n int, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.flushDuration.Observe(took.Seconds())
	if err != nil {
		m.failed.Inc()
		return
	}
	m.flushed.Add(float64(n))
}
