// Package api provides the HTTP server that receives GitHub webhooks and
// runs the deployment pipeline for them.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/deployctl/internal/api/handlers"
	"github.com/narvanalabs/deployctl/internal/api/health"
	"github.com/narvanalabs/deployctl/internal/api/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Version is the current version of the server.
// This should be set at build time using ldflags.
var Version = "dev"

// Config holds the server settings.
type Config struct {
	Host          string
	Port          int
	WebhookSecret string
	// Repository restricts accepted events to one owner/name when set.
	Repository string
	Component  string
	ServerURL  string
}

// Server represents the HTTP webhook server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        *Config
	dispatcher    handlers.Dispatcher
	matches       handlers.RefMatcher
	registry      *prometheus.Registry
	healthChecker *health.Checker
	logger        *slog.Logger
}

// NewServer creates a new server. registry may be nil to disable /metrics.
func NewServer(cfg *Config, d handlers.Dispatcher, matches handlers.RefMatcher, checker *health.Checker, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if checker == nil {
		checker = health.NewChecker(Version)
	}

	s := &Server{
		config:        cfg,
		dispatcher:    d,
		matches:       matches,
		registry:      registry,
		healthChecker: checker,
		logger:        logger,
	}
	checker.SetActiveRuns(func() int { return len(d.Active()) })

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", s.healthChecker.Handler())

	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	}

	webhookHandler := handlers.NewWebhookHandler(s.dispatcher, s.matches, s.config.Repository, s.config.Component, s.config.ServerURL, s.logger)
	r.With(middleware.VerifySignature([]byte(s.config.WebhookSecret), s.logger)).Post("/webhook", webhookHandler.Handle)
	r.Get("/runs", webhookHandler.Runs)

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is done or the server fails.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting webhook server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return nil
	}
}

// Name implements shutdown.Component.
func (s *Server) Name() string {
	return "http-server"
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down webhook server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
