package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tkingovr/requestguard/internal/config"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/guard"
	"github.com/tkingovr/requestguard/internal/rules"
)

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// newEngine builds the rule engine for cfg and loads the first snapshot.
func newEngine(ctx context.Context, cfg *config.Config, log *slog.Logger) (*rules.Engine, error) {
	opts := []rules.EngineOption{
		rules.WithLogger(log),
		rules.WithFalsePositiveRate(cfg.FalsePositiveRate),
	}
	if cfg.AdmissionPolicy != "" {
		policy, err := rules.NewAdmissionPolicy(cfg.AdmissionPolicy)
		if err != nil {
			return nil, fmt.Errorf("loading admission policy: %w", err)
		}
		opts = append(opts, rules.WithAdmissionPolicy(policy))
	}

	engine := rules.NewEngine(cfg.RuleSource(), opts...)
	if err := engine.Reload(ctx); err != nil {
		return nil, err
	}
	return engine, nil
}

// stack is the full request-handling stack used by serve and replay.
type stack struct {
	registry *prometheus.Registry
	store    *decisionlog.JSONLStore
	pipeline *decisionlog.Pipeline
	guard    *guard.Guard
}

func newStack(ctx context.Context, cfg *config.Config, log *slog.Logger) (*stack, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := newEngine(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := decisionlog.NewJSONLStore(cfg.LogDir)
	if err != nil {
		return nil, fmt.Errorf("creating decision store: %w", err)
	}

	pcfg := cfg.Pipeline
	pcfg.Logger = log
	pcfg.Metrics = decisionlog.NewMetrics(reg)
	pipeline := decisionlog.NewPipeline(store, pcfg)

	g, err := guard.New(engine, pipeline, guard.Options{
		Logger:             log,
		Registerer:         reg,
		InjectionCacheSize: cfg.InjectionCacheSize,
	})
	if err != nil {
		pipeline.Shutdown(context.Background())
		store.Close()
		return nil, err
	}

	return &stack{registry: reg, store: store, pipeline: pipeline, guard: g}, nil
}

// Close drains the decision log and closes the store.
func (st *stack) Close(ctx context.Context) error {
	st.guard.Close()
	drainErr := st.pipeline.Shutdown(ctx)
	if err := st.store.Close(); err != nil {
		return fmt.Errorf("closing decision store: %w", err)
	}
	return drainErr
}
