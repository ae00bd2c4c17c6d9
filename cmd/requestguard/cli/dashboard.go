package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/requestguard/internal/dashboard"
	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/guard"
)

var (
	dashAddr   string
	dashLogDir string
	dashDays   int
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Start the web dashboard only, over existing decision logs",
	Long: `Start the web dashboard for browsing decision logs written by an
earlier serve or replay run, and for inspecting and dry-running rules.
Nothing new is logged.`,
	Example: `  requestguard dashboard -l :8080 -d ~/.requestguard/decisions
  requestguard dashboard -c requestguard.yaml --days 7`,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().StringVarP(&dashAddr, "listen", "l", "", "dashboard listen address")
	dashboardCmd.Flags().StringVarP(&dashLogDir, "log-dir", "d", "", "decision log directory")
	dashboardCmd.Flags().IntVar(&dashDays, "days", 1, "days of history to load (0 for all)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if dashAddr != "" {
		cfg.DashboardAddr = dashAddr
	}
	if dashLogDir != "" {
		cfg.LogDir = dashLogDir
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := decisionlog.NewJSONLStore(cfg.LogDir)
	if err != nil {
		return fmt.Errorf("creating decision store: %w", err)
	}
	defer store.Close()

	n, err := store.LoadRecent(dashDays)
	if err != nil {
		return fmt.Errorf("loading decision history: %w", err)
	}
	logger.Info("loaded decision history", "entries", n, "dir", cfg.LogDir)

	engine, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating rule engine: %w", err)
	}
	g, err := guard.New(engine, nil, guard.Options{Logger: logger, InjectionCacheSize: cfg.InjectionCacheSize})
	if err != nil {
		return err
	}
	defer g.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		logger.Info("shutting down dashboard")
		cancel()
	}()

	dash := dashboard.NewServer(dashboard.Options{
		Addr:   cfg.DashboardAddr,
		Guard:  g,
		Store:  store,
		Logger: logger,
	})
	return dash.ListenAndServe(ctx)
}
