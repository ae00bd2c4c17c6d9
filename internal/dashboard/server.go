package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tkingovr/requestguard/internal/decisionlog"
	"github.com/tkingovr/requestguard/internal/guard"
)

// Options wires the dashboard to the running components. Pipeline and
// Gatherer are optional.
type Options struct {
	Addr     string
	Guard    *guard.Guard
	Store    decisionlog.Store
	Pipeline *decisionlog.Pipeline
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server is the web dashboard HTTP server.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	store    decisionlog.Store
	guard    *guard.Guard
	pipeline *decisionlog.Pipeline
	gatherer prometheus.Gatherer
	addr     string
}

// NewServer creates a new dashboard server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   logger,
		store:    opts.Store,
		guard:    opts.Guard,
		pipeline: opts.Pipeline,
		gatherer: opts.Gatherer,
		addr:     opts.Addr,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /", s.handleOverview)
	s.mux.HandleFunc("GET /decisions", s.handleDecisions)
	s.mux.HandleFunc("GET /decisions/stream", s.handleDecisionRowStream)
	s.mux.HandleFunc("GET /rules", s.handleRules)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleAPIStats)
	s.mux.HandleFunc("GET /api/v1/decisions", s.handleAPIDecisions)
	s.mux.HandleFunc("GET /api/v1/decisions/stream", s.handleAPIDecisionStream)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleAPIRules)
	s.mux.HandleFunc("POST /api/v1/check", s.handleAPICheck)
	s.mux.HandleFunc("POST /api/v1/evaluate", s.handleAPIEvaluate)
	s.mux.HandleFunc("GET /api/v1/injections", s.handleAPIInjections)
	s.mux.HandleFunc("POST /api/v1/reload", s.handleAPIReload)
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// ListenAndServe starts the dashboard HTTP server and shuts it down when ctx
// is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when ctx does, so Shutdown is not held up by them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			srv.Close()
		}
	}()

	s.logger.Info("starting dashboard", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the HTTP handler for embedding in other servers.
func (s *Server) Handler() http.Handler {
	return s.mux
}
