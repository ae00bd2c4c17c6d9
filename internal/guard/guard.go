// Package guard ties rule evaluation, page injections and decision logging
// together behind the call the request-interception layer makes per fetch.
package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tkingovr/requestguard/api"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/rules"
)

// Recorder accepts decision log entries without blocking.
type Recorder interface {
	Write(e decisionlog.Entry) error
}

// Options configures a Guard.
type Options struct {
	Logger             *slog.Logger
	Registerer         prometheus.Registerer
	InjectionCacheSize int
}

// Guard is the entry point for request interception.
type Guard struct {
	engine   *rules.Engine
	cache    *rules.InjectionCache
	recorder Recorder
	logger   *slog.Logger
	metrics  *metrics
}

// New creates a Guard. recorder may be nil to disable decision logging.
func New(engine *rules.Engine, recorder Recorder, opts Options) (*Guard, error) {
	cache, err := rules.NewInjectionCache(engine, opts.InjectionCacheSize)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		engine:   engine,
		cache:    cache,
		recorder: recorder,
		logger:   logger,
		metrics:  newMetrics(opts.Registerer, engine),
	}, nil
}

// Handle evaluates req made from pageURL and queues the decision for logging.
func (g *Guard) Handle(req *api.Request, pageURL string) api.Decision {
	start := time.Now()
	d := g.engine.Evaluate(req, pageURL)
	took := time.Since(start)

	g.metrics.latency.Observe(took.Seconds())
	g.metrics.decisions.WithLabelValues(outcome(d)).Inc()

	if g.recorder != nil && req != nil {
		// Write only fails after shutdown; the entry is dropped.
		_ = g.recorder.Write(decisionlog.NewEntry(*req, pageURL, d, took))
	}

	if d.ShouldBlock {
		g.logger.Debug("request blocked",
			"url", req.URL,
			"rule_id", d.BlockedByRuleID,
			"page", pageURL,
		)
	}
	return d
}

// InjectionsForPage returns the injections for a new page load.
func (g *Guard) InjectionsForPage(pageURL string) []api.RuleAction {
	return g.cache.ForPage(pageURL)
}

// Reload rebuilds the rule snapshot.
func (g *Guard) Reload(ctx context.Context) error {
	if err := g.engine.Reload(ctx); err != nil {
		g.metrics.reloads.WithLabelValues("failure").Inc()
		return err
	}
	g.metrics.reloads.WithLabelValues("success").Inc()
	return nil
}

// Engine returns the underlying rule engine.
func (g *Guard) Engine() *rules.Engine { return g.engine }

// Close releases the injection cache subscription.
func (g *Guard) Close() {
	g.cache.Close()
}

func outcome(d api.Decision) string {
	switch {
	case d.ShouldBlock:
		return "blocked"
	case len(d.Injections) > 0:
		return "injected"
	}
	return "allowed"
}
