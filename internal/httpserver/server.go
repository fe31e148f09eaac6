package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/mealplan-billing/internal/billing"
	"github.com/PortNumber53/mealplan-billing/internal/config"
	"github.com/PortNumber53/mealplan-billing/internal/handlers"
	requesttracking "github.com/PortNumber53/mealplan-billing/internal/middleware"
	"github.com/PortNumber53/mealplan-billing/internal/worker"
)

// WebhookPath is where the payment provider delivers events.
const WebhookPath = "/api/billing/webhook"

// Deps carries the collaborators the router exposes. Jobs and Worker are
// optional and only set when a persistent job queue is configured.
type Deps struct {
	Dispatcher *billing.Dispatcher
	Billing    handlers.BillingReader
	Pinger     handlers.Pinger
	Jobs       handlers.JobReader
	Worker     *worker.Worker
}

// Server wraps an http.Server with convenience helpers for startup/shutdown.
type Server struct {
	httpServer *http.Server
	worker     *worker.Worker
}

// New constructs an HTTP server using the provided configuration and dependencies.
func New(cfg config.Config, deps Deps) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requesttracking.NewRequestTracker().Middleware())
	router.Use(middleware.Recoverer)

	router.Get("/healthz", handlers.Health)
	if deps.Pinger != nil {
		router.Get("/readyz", handlers.Ready(deps.Pinger))
	}
	router.Handle("/metrics", promhttp.Handler())

	router.Post(WebhookPath, handlers.Webhook(deps.Dispatcher))

	if deps.Billing != nil {
		router.Get("/api/billing/subscription", handlers.GetSubscription(deps.Billing))
		router.Get("/api/billing/payment-history", handlers.GetPaymentHistory(deps.Billing))
	}

	if deps.Jobs != nil {
		router.Route("/api/jobs", func(r chi.Router) {
			r.Get("/stats", handlers.GetJobStats(deps.Jobs))
			r.Get("/pending", handlers.ListPendingJobs(deps.Jobs))
		})
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{httpServer: srv, worker: deps.Worker}
}

// Run listens on the configured address and serves until ctx is cancelled.
// See Serve.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve starts the worker and serves HTTP traffic on ln. When ctx is
// cancelled it shuts down and returns only after in-flight requests have
// finished or shutdownTimeout has elapsed.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	if s.worker != nil {
		log.Info().Str("component", "server").Msg("starting job worker")
		s.worker.Start(context.Background())
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.stopWorker(context.Background())
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := s.Shutdown(shutdownCtx)
	if serr := <-serveErr; serr != nil && !errors.Is(serr, http.ErrServerClosed) && err == nil {
		err = serr
	}
	return err
}

// Shutdown drains in-flight requests, then stops the worker.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.stopWorker(ctx)
	return err
}

func (s *Server) stopWorker(ctx context.Context) {
	if s.worker == nil {
		return
	}
	log.Info().Str("component", "server").Msg("shutting down job worker")
	if err := s.worker.Stop(ctx); err != nil {
		log.Error().Err(err).Str("component", "server").Msg("worker shutdown error")
	}
}

// Handler exposes the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
