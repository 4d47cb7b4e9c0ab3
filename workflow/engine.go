package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/storage"
)

// Publisher publishes lifecycle events after their database commit.
// The event bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// ApprovalRequester creates approval rows on behalf of the step executor.
// The approval service satisfies this; the indirection keeps the engine
// free of a dependency on the approval package.
type ApprovalRequester interface {
	Request(ctx context.Context, workflowID uuid.UUID, uiSchema json.RawMessage, timeout time.Duration) (*storage.Approval, error)
}

// BackoffConfig parameterizes the advisory retry backoff. The engine
// records the delay in the event payload; it never sleeps.
type BackoffConfig struct {
	InitialWait time.Duration
	Multiplier  float64
	MaxWait     time.Duration
}

// Config holds engine defaults applied to new workflows.
type Config struct {
	MaxRetries             int
	MaxRollbacks           int
	DefaultApprovalTimeout time.Duration
	Backoff                BackoffConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:             3,
		MaxRollbacks:           3,
		DefaultApprovalTimeout: time.Hour,
		Backoff: BackoffConfig{
			InitialWait: time.Second,
			Multiplier:  2.0,
			MaxWait:     60 * time.Second,
		},
	}
}

// contextApprovalSchemaKey stashes the approval schema of a single-step
// workflow inside its context so a retry can re-create the approval.
const contextApprovalSchemaKey = "_approval_schema"

// Engine drives workflow execution. All state mutations go through the
// optimistic version check on the workflow row; events are committed to
// the store before they are published on the bus, so handlers observing
// an event can re-read the committed row.
type Engine struct {
	store     storage.Store
	bus       Publisher
	registry  *Registry
	approvals ApprovalRequester
	config    Config
	logger    *slog.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(store storage.Store, bus Publisher, registry *Registry, approvals ApprovalRequester, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxRetries == 0 {
		config = DefaultConfig()
	}
	return &Engine{
		store:     store,
		bus:       bus,
		registry:  registry,
		approvals: approvals,
		config:    config,
		logger:    logger,
	}
}

// StepSpec describes one step of a new workflow.
type StepSpec struct {
	Type        storage.StepType `json:"type"`
	TaskHandler string           `json:"task_handler,omitempty"`
	TaskInput   json.RawMessage  `json:"task_input,omitempty"`
}

// CreateRequest describes a new workflow. Steps and ApprovalSchema are
// mutually exclusive: a workflow without steps but with a schema follows
// the single-approval path.
type CreateRequest struct {
	Type            string          `json:"workflow_type"`
	Context         json.RawMessage `json:"context,omitempty"`
	Steps           []StepSpec      `json:"steps,omitempty"`
	ApprovalSchema  json.RawMessage `json:"approval_schema,omitempty"`
	ApprovalTimeout time.Duration   `json:"-"`
}

// Create persists a new workflow and starts executing it. Multi-step
// workflows transition to RUNNING and run their first step synchronously;
// single-approval workflows create the approval and suspend in
// WAITING_APPROVAL.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*storage.Workflow, error) {
	if req.Type == "" {
		return nil, errors.New("workflow_type is required")
	}

	now := time.Now().UTC()
	w := &storage.Workflow{
		ID:           uuid.New(),
		Type:         req.Type,
		State:        storage.StateCreated,
		Context:      req.Context,
		Version:      1,
		MaxRetries:   e.config.MaxRetries,
		MaxRollbacks: e.config.MaxRollbacks,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if len(req.Steps) == 0 && len(req.ApprovalSchema) > 0 {
		merged, err := stashApprovalSchema(w.Context, req.ApprovalSchema)
		if err != nil {
			return nil, fmt.Errorf("stash approval schema: %w", err)
		}
		w.Context = merged
	}

	if err := e.store.CreateWorkflow(ctx, w); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	steps := make([]*storage.WorkflowStep, len(req.Steps))
	for i, spec := range req.Steps {
		steps[i] = &storage.WorkflowStep{
			ID:          uuid.New(),
			WorkflowID:  w.ID,
			StepOrder:   i,
			Type:        spec.Type,
			Status:      storage.StepStatusPending,
			TaskHandler: spec.TaskHandler,
			TaskInput:   spec.TaskInput,
		}
	}
	if len(steps) > 0 {
		if err := e.store.CreateSteps(ctx, steps); err != nil {
			return nil, fmt.Errorf("create steps: %w", err)
		}
	}

	e.record(ctx, w.ID, "workflow.started", map[string]any{
		"workflow_type": w.Type,
		"steps":         len(steps),
	})

	switch {
	case len(steps) > 0:
		if err := e.TransitionTo(ctx, w.ID, storage.StateRunning, "steps queued"); err != nil {
			return nil, err
		}
		if err := e.ExecuteNextStep(ctx, w.ID); err != nil {
			return nil, err
		}
	case len(req.ApprovalSchema) > 0:
		timeout := req.ApprovalTimeout
		if timeout <= 0 {
			timeout = e.config.DefaultApprovalTimeout
		}
		if err := e.TransitionTo(ctx, w.ID, storage.StateRunning, "awaiting approval"); err != nil {
			return nil, err
		}
		if _, err := e.approvals.Request(ctx, w.ID, req.ApprovalSchema, timeout); err != nil {
			return nil, fmt.Errorf("request approval: %w", err)
		}
		if err := e.TransitionTo(ctx, w.ID, storage.StateWaitingApproval, "approval requested"); err != nil {
			return nil, err
		}
	}

	return e.store.GetWorkflow(ctx, w.ID)
}

// TransitionTo moves the workflow into newState under the optimistic
// version check, appends a workflow.state_changed event and publishes it
// after the commit.
func (e *Engine) TransitionTo(ctx context.Context, id uuid.UUID, newState storage.WorkflowState, reason string) error {
	w, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(w.State, newState) {
		return &InvalidTransitionError{From: w.State, To: newState}
	}

	from := w.State
	w.State = newState
	if err := e.store.UpdateWorkflowCAS(ctx, w, w.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("transition %s -> %s: %w", from, newState, ErrConcurrentModification)
		}
		return err
	}

	e.record(ctx, id, "workflow.state_changed", map[string]any{
		"from":    string(from),
		"to":      string(newState),
		"reason":  reason,
		"version": w.Version,
	})
	return nil
}

// ExecuteNextStep runs pending steps in order until the workflow
// completes, fails, or suspends on an approval step.
func (e *Engine) ExecuteNextStep(ctx context.Context, workflowID uuid.UUID) error {
	for {
		step, err := e.store.NextPendingStep(ctx, workflowID)
		if errors.Is(err, storage.ErrNotFound) {
			return e.complete(ctx, workflowID)
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		step.Status = storage.StepStatusRunning
		step.StartedAt = &now
		if err := e.store.UpdateStep(ctx, step); err != nil {
			return err
		}

		switch step.Type {
		case storage.StepTypeApproval:
			return e.suspendForApproval(ctx, step)
		default:
			advanced, err := e.runTask(ctx, step)
			if err != nil {
				return err
			}
			if !advanced {
				return nil
			}
		}
	}
}

func (e *Engine) complete(ctx context.Context, workflowID uuid.UUID) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.State == storage.StateCompleted {
		return nil
	}
	if err := e.TransitionTo(ctx, workflowID, storage.StateCompleted, "all steps completed"); err != nil {
		return err
	}
	e.record(ctx, workflowID, "workflow.completed", map[string]any{
		"workflow_type": w.Type,
	})
	return nil
}

// runTask dispatches a task step to its registered handler. The returned
// bool reports whether execution should advance to the next step.
func (e *Engine) runTask(ctx context.Context, step *storage.WorkflowStep) (bool, error) {
	handler, ok := e.registry.Task(step.TaskHandler)
	if !ok {
		// Soft-skip keeps old workflow definitions executable after a
		// handler is removed.
		e.logger.Warn("task handler not registered, skipping step",
			"workflow_id", step.WorkflowID,
			"step_order", step.StepOrder,
			"task_handler", step.TaskHandler)
		out, _ := json.Marshal(map[string]string{
			"status": "skipped",
			"reason": "handler_not_found",
		})
		return true, e.finishStep(ctx, step, out)
	}

	output, err := handler(ctx, TaskInput{
		WorkflowID: step.WorkflowID,
		StepID:     step.ID,
		Input:      step.TaskInput,
	})
	if err != nil {
		herr := &HandlerError{Handler: step.TaskHandler, Err: err}
		e.logger.Error("task handler failed",
			"workflow_id", step.WorkflowID,
			"step_order", step.StepOrder,
			"task_handler", step.TaskHandler,
			"error", err)

		out, _ := json.Marshal(map[string]string{"error": err.Error()})
		now := time.Now().UTC()
		step.Status = storage.StepStatusFailed
		step.TaskOutput = out
		step.CompletedAt = &now
		if uerr := e.store.UpdateStep(ctx, step); uerr != nil {
			return false, uerr
		}
		return false, e.MarkFailed(ctx, step.WorkflowID, herr.Error(), false)
	}

	return true, e.finishStep(ctx, step, output)
}

func (e *Engine) finishStep(ctx context.Context, step *storage.WorkflowStep, output json.RawMessage) error {
	now := time.Now().UTC()
	step.Status = storage.StepStatusCompleted
	step.TaskOutput = output
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	e.record(ctx, step.WorkflowID, "step.completed", map[string]any{
		"step_id":    step.ID.String(),
		"step_order": step.StepOrder,
		"step_type":  string(step.Type),
	})
	return nil
}

// approvalStepInput is the accepted shape of an approval step's
// task_input. A bare ui_schema object is also accepted.
type approvalStepInput struct {
	UISchema       json.RawMessage `json:"ui_schema"`
	TimeoutSeconds int64           `json:"timeout_seconds"`
}

// suspendForApproval creates the approval row for an approval step under a
// row lock. The lock plus the approval_id idempotency guard eliminates
// double-creation under concurrent executors. The workflow stays RUNNING;
// the pending approval row carries the suspension state.
func (e *Engine) suspendForApproval(ctx context.Context, step *storage.WorkflowStep) error {
	return e.store.UpdateStepLocked(ctx, step.ID, func(s *storage.WorkflowStep) error {
		if s.ApprovalID != nil {
			return nil
		}

		schema := s.TaskInput
		timeout := e.config.DefaultApprovalTimeout
		var in approvalStepInput
		if err := json.Unmarshal(s.TaskInput, &in); err == nil && len(in.UISchema) > 0 {
			schema = in.UISchema
			if in.TimeoutSeconds > 0 {
				timeout = time.Duration(in.TimeoutSeconds) * time.Second
			}
		}

		a, err := e.approvals.Request(ctx, s.WorkflowID, schema, timeout)
		if err != nil {
			return fmt.Errorf("request approval: %w", err)
		}
		s.ApprovalID = &a.ID
		return nil
	})
}

// HandleApprovalResponse advances or rolls back a workflow after an
// approval decision was committed by the approval service. It is invoked
// from the approval.received bus handler; there is no other call path.
func (e *Engine) HandleApprovalResponse(ctx context.Context, approvalID uuid.UUID, decision string, responseData json.RawMessage) error {
	step, err := e.store.StepByApproval(ctx, approvalID)
	if errors.Is(err, storage.ErrNotFound) {
		return e.handleSingleApprovalResponse(ctx, approvalID, decision)
	}
	if err != nil {
		return err
	}

	switch decision {
	case "approve":
		now := time.Now().UTC()
		if err := e.store.UpdateStepLocked(ctx, step.ID, func(s *storage.WorkflowStep) error {
			s.Status = storage.StepStatusCompleted
			s.TaskOutput = responseData
			s.CompletedAt = &now
			return nil
		}); err != nil {
			return err
		}
		e.record(ctx, step.WorkflowID, "step.completed", map[string]any{
			"step_id":    step.ID.String(),
			"step_order": step.StepOrder,
			"step_type":  string(storage.StepTypeApproval),
		})
		return e.ExecuteNextStep(ctx, step.WorkflowID)

	case "reject":
		now := time.Now().UTC()
		if err := e.store.UpdateStepLocked(ctx, step.ID, func(s *storage.WorkflowStep) error {
			s.Status = storage.StepStatusFailed
			s.TaskOutput = responseData
			s.CompletedAt = &now
			return nil
		}); err != nil {
			return err
		}
		e.compensate(ctx, step.WorkflowID, step.StepOrder)
		return e.TransitionTo(ctx, step.WorkflowID, storage.StateRejected, "approval rejected")

	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// handleSingleApprovalResponse covers workflows without steps, where the
// approval is the entire workflow.
func (e *Engine) handleSingleApprovalResponse(ctx context.Context, approvalID uuid.UUID, decision string) error {
	a, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}

	switch decision {
	case "approve":
		if err := e.TransitionTo(ctx, a.WorkflowID, storage.StateApproved, "approved"); err != nil {
			return err
		}
		if err := e.TransitionTo(ctx, a.WorkflowID, storage.StateCompleted, "approval completed"); err != nil {
			return err
		}
		e.record(ctx, a.WorkflowID, "workflow.completed", map[string]any{
			"approval_id": approvalID.String(),
		})
		return nil
	case "reject":
		return e.TransitionTo(ctx, a.WorkflowID, storage.StateRejected, "approval rejected")
	default:
		return fmt.Errorf("unknown decision %q", decision)
	}
}

// compensate walks the completed task steps strictly below rejectedOrder
// in reverse order and invokes their rollback handlers. Compensation is
// best-effort: missing handlers and handler failures are logged and
// skipped.
func (e *Engine) compensate(ctx context.Context, workflowID uuid.UUID, rejectedOrder int) {
	steps, err := e.store.StepsByWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Error("compensation aborted, cannot load steps",
			"workflow_id", workflowID, "error", err)
		return
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if s.StepOrder >= rejectedOrder || s.Type != storage.StepTypeTask || s.Status != storage.StepStatusCompleted {
			continue
		}
		rb, ok := e.registry.Rollback(s.TaskHandler)
		if !ok {
			e.logger.Info("no rollback handler registered, skipping compensation",
				"workflow_id", workflowID,
				"step_order", s.StepOrder,
				"task_handler", s.TaskHandler)
			continue
		}
		if err := rb(ctx, RollbackInput{
			WorkflowID: workflowID,
			StepID:     s.ID,
			Output:     s.TaskOutput,
		}); err != nil {
			e.logger.Warn("rollback handler failed",
				"workflow_id", workflowID,
				"step_order", s.StepOrder,
				"task_handler", s.TaskHandler,
				"error", err)
		}
	}
}

// record appends an event to the workflow's log, then publishes it on the
// bus. Publication happens strictly after the store write so bus handlers
// can re-read committed state.
func (e *Engine) record(ctx context.Context, workflowID uuid.UUID, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow_id"] = workflowID.String()

	data, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error("failed to marshal event payload",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
		return
	}
	evt := &storage.WorkflowEvent{
		WorkflowID: workflowID,
		EventType:  eventType,
		EventData:  data,
	}
	if err := e.store.AppendEvent(ctx, evt); err != nil {
		e.logger.Error("failed to append workflow event",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
	}

	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, eventType, payload); err != nil {
		// The state is already committed; a full queue only costs the
		// notification.
		e.logger.Warn("failed to publish event",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}

// backoffDelay computes the advisory exponential backoff for the given
// attempt number.
func (e *Engine) backoffDelay(retryCount int) time.Duration {
	b := e.config.Backoff
	if b.InitialWait <= 0 {
		b = DefaultConfig().Backoff
	}
	delay := float64(b.InitialWait) * math.Pow(b.Multiplier, float64(retryCount))
	if max := float64(b.MaxWait); delay > max {
		delay = max
	}
	return time.Duration(delay)
}

// stashApprovalSchema merges the approval schema into the workflow
// context so a retry can re-create the approval.
func stashApprovalSchema(context, schema json.RawMessage) (json.RawMessage, error) {
	m := map[string]json.RawMessage{}
	if len(context) > 0 {
		if err := json.Unmarshal(context, &m); err != nil {
			return nil, err
		}
	}
	m[contextApprovalSchemaKey] = schema
	return json.Marshal(m)
}

// ApprovalSchemaFromContext extracts a stashed single-approval schema
// from a workflow context, if present.
func ApprovalSchemaFromContext(context json.RawMessage) (json.RawMessage, bool) {
	if len(context) == 0 {
		return nil, false
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(context, &m); err != nil {
		return nil, false
	}
	schema, ok := m[contextApprovalSchemaKey]
	return schema, ok && len(schema) > 0
}
