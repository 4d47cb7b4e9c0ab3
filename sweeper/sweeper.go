// Package sweeper runs the background loop that expires overdue
// approvals, transitions their workflows to TIMEOUT, and kicks off the
// automatic retry path.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/storage"
)

// Approvals is the slice of the approval service the sweeper uses.
type Approvals interface {
	MarkTimeout(ctx context.Context, approvalID uuid.UUID) (bool, error)
}

// Workflows is the slice of the workflow engine the sweeper uses.
type Workflows interface {
	TransitionTo(ctx context.Context, id uuid.UUID, newState storage.WorkflowState, reason string) error
	RetryWorkflow(ctx context.Context, id uuid.UUID) (bool, error)
}

// Store is the read side the sweeper needs.
type Store interface {
	PendingApprovalsBefore(ctx context.Context, t time.Time) ([]*storage.Approval, error)
	GetWorkflow(ctx context.Context, id uuid.UUID) (*storage.Workflow, error)
}

// Config holds sweeper settings.
type Config struct {
	// Interval between sweeps. The first sweep runs immediately on Start.
	Interval time.Duration
}

// DefaultConfig returns the sweeper defaults.
func DefaultConfig() Config {
	return Config{Interval: 10 * time.Second}
}

// Sweeper periodically expires overdue approvals. Errors on one approval
// never abort the rest of the sweep.
type Sweeper struct {
	store     Store
	approvals Approvals
	workflows Workflows
	config    Config
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	sweeps   atomic.Int64
	timeouts atomic.Int64
	retries  atomic.Int64
}

// New creates a sweeper.
func New(store Store, approvals Approvals, workflows Workflows, config Config, logger *slog.Logger) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     store,
		approvals: approvals,
		workflows: workflows,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(loopCtx)

	s.logger.Info("timeout sweeper started", "interval", s.config.Interval)
	return nil
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("timeout sweeper stopped",
		"sweeps", s.sweeps.Load(),
		"timeouts", s.timeouts.Load(),
		"retries", s.retries.Load())
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass: every PENDING approval past its deadline is marked
// TIMEOUT, its workflow transitioned, and the retry path invoked.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweeps.Add(1)

	overdue, err := s.store.PendingApprovalsBefore(ctx, s.now().UTC())
	if err != nil {
		s.logger.Error("sweep failed to list overdue approvals", "error", err)
		return
	}
	if len(overdue) == 0 {
		return
	}
	s.logger.Info("sweeping overdue approvals", "count", len(overdue))

	for _, a := range overdue {
		if err := s.expire(ctx, a); err != nil {
			s.logger.Error("failed to expire approval",
				"approval_id", a.ID,
				"workflow_id", a.WorkflowID,
				"error", err)
		}
	}
}

func (s *Sweeper) expire(ctx context.Context, a *storage.Approval) error {
	marked, err := s.approvals.MarkTimeout(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("mark timeout: %w", err)
	}
	if !marked {
		// Lost the race to a user response.
		return nil
	}
	s.timeouts.Add(1)

	w, err := s.store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return fmt.Errorf("load workflow: %w", err)
	}
	if w.State.Terminal() {
		return nil
	}

	if err := s.workflows.TransitionTo(ctx, w.ID, storage.StateTimeout, "approval timed out"); err != nil {
		return fmt.Errorf("transition workflow: %w", err)
	}

	retried, err := s.workflows.RetryWorkflow(ctx, w.ID)
	if err != nil {
		return fmt.Errorf("retry workflow: %w", err)
	}
	if retried {
		s.retries.Add(1)
	}
	return nil
}

// Stats is a point-in-time snapshot of the sweeper counters.
type Stats struct {
	Running  bool  `json:"running"`
	Sweeps   int64 `json:"sweeps"`
	Timeouts int64 `json:"timeouts"`
	Retries  int64 `json:"retries"`
}

// Stats returns current counters.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Stats{
		Running:  running,
		Sweeps:   s.sweeps.Load(),
		Timeouts: s.timeouts.Load(),
		Retries:  s.retries.Load(),
	}
}
