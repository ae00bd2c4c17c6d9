package guard

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkingovr/requestguard/internal/rules"
)

type metrics struct {
	decisions *prometheus.CounterVec
	latency   prometheus.Histogram
	reloads   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, engine *rules.Engine) *metrics {
	m := &metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "requestguard",
			Name:      "decisions_total",
			Help:      "Evaluated requests by outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "requestguard",
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one request.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "requestguard",
			Name:      "rule_reloads_total",
			Help:      "Rule reload attempts by result.",
		}, []string{"result"}),
	}
	if reg == nil {
		return m
	}

	reg.MustRegister(m.decisions, m.latency, m.reloads,
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "requestguard",
			Name:      "evaluation_faults_total",
			Help:      "Evaluations that failed open.",
		}, func() float64 { return float64(engine.Faults()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "requestguard",
			Name:      "active_rules",
			Help:      "Rules in the published snapshot.",
		}, func() float64 { return float64(engine.Snapshot().RuleCount) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "requestguard",
			Name:      "rules_version",
			Help:      "Version of the published rule snapshot.",
		}, func() float64 { return float64(engine.Snapshot().Version) }),
	)
	return m
}
