package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signoff-io/signoff/agent"
	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/chat"
	"github.com/signoff-io/signoff/config"
	"github.com/signoff-io/signoff/eventbus"
	"github.com/signoff-io/signoff/handlers"
	"github.com/signoff-io/signoff/httpapi"
	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/storage/postgres"
	"github.com/signoff-io/signoff/sweeper"
	"github.com/signoff-io/signoff/workflow"
)

// purgeInterval is how often expired idempotency keys are purged.
const purgeInterval = time.Hour

// App wires together all components of the signoff server.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	store     storage.Store
	pg        *postgres.Store
	bus       *eventbus.Bus
	registry  *workflow.Registry
	engine    *workflow.Engine
	approvals *approval.Service
	sweep     *sweeper.Sweeper
	notifier  *chat.Notifier
	agents    *agent.Router
	httpSrv   *http.Server

	purgeCancel context.CancelFunc
	purgeDone   chan struct{}
}

// NewApp constructs the full component graph. With dev true the app runs
// on the in-memory store and skips the database entirely.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, dev bool) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	if dev {
		a.store = storage.NewMemoryStore()
		logger.Warn("dev mode: using in-memory store, state is lost on exit")
	} else {
		pg, err := postgres.Open(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		a.pg = pg
		a.store = pg
	}

	a.bus = eventbus.New(eventbus.Config{
		MaxQueueSize: cfg.EventBus.MaxQueueSize,
		MaxRetries:   cfg.EventBus.MaxRetries,
	}, a.store, logger, prometheus.DefaultRegisterer)

	codec, err := signing.NewTokenCodec(cfg.Security.SecretKey)
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("create token codec: %w", err)
	}
	a.approvals = approval.NewService(a.store, codec, a.bus, logger)

	a.registry = workflow.NewRegistry()
	a.engine = workflow.NewEngine(a.store, a.bus, a.registry, a.approvals, workflow.Config{
		MaxRetries:             cfg.Retry.MaxAttempts,
		MaxRollbacks:           cfg.Approval.MaxRollbacks,
		DefaultApprovalTimeout: time.Duration(cfg.Approval.DefaultTimeoutSeconds) * time.Second,
		Backoff: workflow.BackoffConfig{
			InitialWait: cfg.Retry.InitialWait(),
			Multiplier:  cfg.Retry.Multiplier,
			MaxWait:     cfg.Retry.MaxWait(),
		},
	}, logger)
	a.approvals.SetTransitioner(a.engine)

	a.sweep = sweeper.New(a.store, a.approvals, a.engine, sweeper.Config{
		Interval: time.Duration(cfg.Sweeper.CheckIntervalSeconds) * time.Second,
	}, logger)

	a.notifier = chat.NewNotifier(chat.Config{
		BotToken:         cfg.Slack.BotToken,
		Channel:          cfg.Slack.Channel,
		FailureThreshold: cfg.Slack.CircuitFailMax,
		ResetTimeout:     time.Duration(cfg.Slack.CircuitTimeoutSeconds) * time.Second,
	}, logger)

	a.agents = agent.NewRouter()
	if conversational := agent.NewConversational(agent.ConversationalConfig{
		APIKey: cfg.Agent.OpenAIAPIKey,
		Model:  cfg.Agent.Model,
	}, a.engine, a.approvals, a.store, logger); conversational != nil {
		if err := a.agents.Register(conversational, `\b(approve|reject|status|workflow|deploy)\b`); err != nil {
			a.closeStore()
			return nil, fmt.Errorf("register conversational agent: %w", err)
		}
	}

	handlers.Wire(a.bus, handlers.Deps{
		Store:           a.store,
		Engine:          a.engine,
		Approvals:       a.approvals,
		Chat:            a.notifier,
		Agents:          a.agents,
		Logger:          logger,
		ApprovalTimeout: time.Duration(cfg.Approval.DefaultTimeoutSeconds) * time.Second,
	})

	verifier := signing.NewSlackVerifier(cfg.Slack.SigningSecret)
	server := httpapi.NewServer(a.store, a.engine, a.approvals, a.notifier, verifier, a.bus, a.sweep, httpapi.Config{
		ListenAddr:     cfg.Server.ListenAddr,
		IdempotencyTTL: time.Duration(cfg.Server.IdempotencyKeyExpiryHours) * time.Hour,
	}, logger)
	srv, err := server.ListenAndServe()
	if err != nil {
		a.closeStore()
		return nil, fmt.Errorf("start http server: %w", err)
	}
	a.httpSrv = srv

	return a, nil
}

// Registry exposes the task-handler registry so embedders can register
// handlers before Start.
func (a *App) Registry() *workflow.Registry { return a.registry }

// Start begins background processing: the bus consumer, the timeout
// sweeper and the idempotency purge loop.
func (a *App) Start(ctx context.Context) error {
	if err := a.bus.Start(ctx); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	if err := a.sweep.Start(ctx); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}

	purgeCtx, cancel := context.WithCancel(context.Background())
	a.purgeCancel = cancel
	a.purgeDone = make(chan struct{})
	go a.purgeLoop(purgeCtx)

	a.logger.Info("signoff ready", "addr", a.cfg.Server.ListenAddr)
	return nil
}

// Stop shuts components down in reverse order of startup: HTTP first so
// no new work arrives, then the sweeper and bus, then storage.
func (a *App) Stop(ctx context.Context) {
	if a.httpSrv != nil {
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			a.logger.Warn("http shutdown", "error", err)
		}
	}
	if a.purgeCancel != nil {
		a.purgeCancel()
		<-a.purgeDone
	}
	if err := a.sweep.Stop(); err != nil {
		a.logger.Warn("sweeper stop", "error", err)
	}
	if err := a.bus.Stop(10 * time.Second); err != nil {
		a.logger.Warn("event bus stop", "error", err)
	}
	a.closeStore()
	a.logger.Info("signoff stopped")
}

func (a *App) purgeLoop(ctx context.Context) {
	defer close(a.purgeDone)
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.store.PurgeIdempotency(ctx, time.Now().UTC())
			if err != nil {
				a.logger.Warn("idempotency purge failed", "error", err)
				continue
			}
			if n > 0 {
				a.logger.Debug("purged idempotency keys", "count", n)
			}
		}
	}
}

func (a *App) closeStore() {
	if a.pg != nil {
		if err := a.pg.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
		a.pg = nil
	}
}
