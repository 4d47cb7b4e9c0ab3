// Package httpapi exposes the orchestrator over REST: workflow and
// approval operations, signed callback ingestion, the Slack interactive
// webhook, DLQ administration, metrics and health.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/chat"
	"github.com/signoff-io/signoff/eventbus"
	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/sweeper"
	"github.com/signoff-io/signoff/workflow"
)

// Config holds HTTP server settings.
type Config struct {
	ListenAddr     string        `yaml:"listen_addr"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
}

// DefaultConfig returns the HTTP defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8080",
		IdempotencyTTL: 24 * time.Hour,
	}
}

// Server routes HTTP requests onto the core services.
type Server struct {
	store     storage.Store
	engine    *workflow.Engine
	approvals *approval.Service
	chat      *chat.Notifier
	verifier  *signing.SlackVerifier
	bus       *eventbus.Bus
	sweep     *sweeper.Sweeper
	config    Config
	logger    *slog.Logger
}

// NewServer creates the HTTP layer. chat and sweep may be nil.
func NewServer(store storage.Store, engine *workflow.Engine, approvals *approval.Service, chatNotifier *chat.Notifier, verifier *signing.SlackVerifier, bus *eventbus.Bus, sweep *sweeper.Sweeper, config Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultConfig().ListenAddr
	}
	if config.IdempotencyTTL <= 0 {
		config.IdempotencyTTL = DefaultConfig().IdempotencyTTL
	}
	return &Server{
		store:     store,
		engine:    engine,
		approvals: approvals,
		chat:      chatNotifier,
		verifier:  verifier,
		bus:       bus,
		sweep:     sweep,
		config:    config,
		logger:    logger,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/workflows", func(r chi.Router) {
		r.With(s.idempotency).Post("/", s.handleCreateWorkflow)
		r.Get("/", s.handleListWorkflows)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetWorkflow)
			r.Get("/events", s.handleWorkflowEvents)
			r.Get("/steps", s.handleWorkflowSteps)
			r.Post("/cancel", s.handleCancelWorkflow)
			r.Post("/retry", s.handleRetryWorkflow)
			r.Post("/rollback", s.handleRollbackWorkflow)
		})
	})

	r.Post("/approvals/{id}/rollback", s.handleRollbackApproval)
	r.Post("/callbacks/{token}", s.handleCallback)
	r.Post("/slack/interactive", s.handleSlackInteractive)

	r.Route("/admin/dlq", func(r chi.Router) {
		r.Get("/", s.handleListDLQ)
		r.Post("/{id}/retry", s.handleRetryDLQ)
		r.Post("/retry-all", s.handleRetryAllDLQ)
		r.Delete("/{id}", s.handleDeleteDLQ)
		r.Delete("/clear", s.handleClearDLQ)
	})

	return r
}

// ListenAndServe starts serving in the background and returns the
// *http.Server for shutdown. Listener failures after startup are logged.
func (s *Server) ListenAndServe() (*http.Server, error) {
	srv := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", s.config.ListenAddr, err)
	}
	s.logger.Info("http server listening", "addr", s.config.ListenAddr)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server failed", "error", err)
		}
	}()
	return srv, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if s.bus != nil {
		payload["event_bus"] = s.bus.Stats()
	}
	if s.sweep != nil {
		payload["sweeper"] = s.sweep.Stats()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}
