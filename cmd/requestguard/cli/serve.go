package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/requestguard/internal/dashboard"
	"github.com/tkingovr/requestguard/internal/guard"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the evaluation API, decision log and web dashboard",
	Long: `Start RequestGuard as a service. The host browser posts each outbound
request to /api/v1/evaluate and fetches page injections from
/api/v1/injections. Rules are reloaded on SIGHUP, on POST /api/v1/reload
and every reload_interval. On SIGINT/SIGTERM the decision log is drained
before exit.`,
	Example: `  requestguard serve -c requestguard.yaml
  requestguard serve -c requestguard.yaml -l :9090`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "listen", "l", "", "listen address (overrides dashboard_addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.DashboardAddr = serveAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := newStack(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("starting: %w", err)
	}
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.Pipeline.DrainTimeout+time.Second)
		defer drainCancel()
		if err := st.Close(drainCtx); err != nil {
			logger.Error("decision log shutdown", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reload(ctx, st.guard, "signal")
				continue
			}
			logger.Info("shutting down", "signal", sig.String())
			cancel()
			return
		}
	}()

	if cfg.ReloadInterval > 0 {
		go func() {
			ticker := time.NewTicker(cfg.ReloadInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					reload(ctx, st.guard, "interval")
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	dash := dashboard.NewServer(dashboard.Options{
		Addr:     cfg.DashboardAddr,
		Guard:    st.guard,
		Store:    st.store,
		Pipeline: st.pipeline,
		Gatherer: st.registry,
		Logger:   logger,
	})

	logger.Info("starting serve mode",
		slog.String("addr", cfg.DashboardAddr),
		slog.Int("rules", st.guard.Engine().Snapshot().RuleCount),
		slog.String("log_dir", cfg.LogDir),
	)
	return dash.ListenAndServe(ctx)
}

func reload(ctx context.Context, g *guard.Guard, trigger string) {
	if err := g.Reload(ctx); err != nil {
		logger.Error("rule reload failed", "trigger", trigger, "error", err)
		return
	}
	logger.Debug("rules reloaded", "trigger", trigger, "version", g.Engine().Snapshot().Version)
}
