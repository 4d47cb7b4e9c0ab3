// Package approval implements the human decision lifecycle: creation of
// approval requests with signed callback tokens, row-serialized response
// handling, timeout marking, and post-rejection rollback.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
)

// Decisions accepted by Respond.
const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

// Publisher publishes approval lifecycle events after their database
// commit. The event bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload map[string]any) error
}

// Transitioner moves workflows between states. The workflow engine
// satisfies this; the indirection keeps this package free of a dependency
// on the engine. The service never advances a workflow on a decision, it
// only publishes approval.received and lets the engine's bus handler do
// the advancing. Transitioner exists solely for the rollback path.
type Transitioner interface {
	TransitionTo(ctx context.Context, id uuid.UUID, newState storage.WorkflowState, reason string) error
}

// Service owns the approval lifecycle.
type Service struct {
	store     storage.Store
	codec     *signing.TokenCodec
	bus       Publisher
	workflows Transitioner
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates an approval service. workflows may be set later via
// SetTransitioner to break the construction cycle with the engine.
func NewService(store storage.Store, codec *signing.TokenCodec, bus Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		codec:  codec,
		bus:    bus,
		logger: logger,
		now:    time.Now,
	}
}

// SetTransitioner wires the workflow engine in after construction.
func (s *Service) SetTransitioner(t Transitioner) { s.workflows = t }

// Request creates a PENDING approval for the workflow with a signed
// callback token and the given deadline, then records and publishes
// approval.requested.
func (s *Service) Request(ctx context.Context, workflowID uuid.UUID, uiSchema json.RawMessage, timeout time.Duration) (*storage.Approval, error) {
	if timeout <= 0 {
		return nil, errors.New("approval timeout must be positive")
	}

	id := uuid.New()
	token, err := s.codec.Generate(id)
	if err != nil {
		return nil, fmt.Errorf("generate callback token: %w", err)
	}

	now := s.now().UTC()
	a := &storage.Approval{
		ID:            id,
		WorkflowID:    workflowID,
		Status:        storage.ApprovalPending,
		UISchema:      uiSchema,
		RequestedAt:   now,
		ExpiresAt:     now.Add(timeout),
		CallbackToken: token,
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}

	s.record(ctx, workflowID, "approval.requested", map[string]any{
		"approval_id":    a.ID.String(),
		"ui_schema":      json.RawMessage(uiSchema),
		"expires_at":     a.ExpiresAt.Unix(),
		"callback_token": a.CallbackToken,
	})
	return a, nil
}

// Respond records a human decision on a pending approval. The row is
// mutated under a row lock; the expiry check runs before the status
// check, so a late response to an expired approval reports ErrExpired
// even when the sweeper has not yet marked it. Validation failures leave
// the row untouched. On success approval.received is published; the
// engine observes it on the bus and advances the workflow.
func (s *Service) Respond(ctx context.Context, approvalID uuid.UUID, decision string, responseData json.RawMessage) (*storage.Approval, error) {
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, &ValidationError{Reason: fmt.Sprintf("unknown decision %q", decision)}
	}

	var updated *storage.Approval
	err := s.store.UpdateApprovalLocked(ctx, approvalID, func(a *storage.Approval) error {
		if a.Expired(s.now().UTC()) {
			return ErrExpired
		}
		if a.Status != storage.ApprovalPending {
			return ErrAlreadyProcessed
		}
		if err := ValidateResponse(a.UISchema, responseData); err != nil {
			return err
		}

		now := s.now().UTC()
		if decision == DecisionApprove {
			a.Status = storage.ApprovalApproved
		} else {
			a.Status = storage.ApprovalRejected
		}
		a.ResponseData = responseData
		a.RespondedAt = &now
		copied := *a
		updated = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.record(ctx, updated.WorkflowID, "approval.received", map[string]any{
		"approval_id":   approvalID.String(),
		"decision":      decision,
		"response_data": json.RawMessage(responseData),
	})
	return updated, nil
}

// ApprovalByToken authenticates the callback token and loads the
// approval it was issued for. The token's HMAC is checked before any row
// is read.
func (s *Service) ApprovalByToken(ctx context.Context, token string) (*storage.Approval, error) {
	approvalID, err := s.codec.Verify(token)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.CallbackToken != token {
		return nil, signing.ErrInvalidToken
	}
	return a, nil
}

// RespondByToken authenticates the callback token, then records the
// decision.
func (s *Service) RespondByToken(ctx context.Context, token, decision string, responseData json.RawMessage) (*storage.Approval, error) {
	a, err := s.ApprovalByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.Respond(ctx, a.ID, decision, responseData)
}

// MarkTimeout transitions a PENDING approval to TIMEOUT under the same
// locking discipline as Respond. It reports false without error when the
// row already left PENDING, which is the normal outcome of losing the
// race against a user response.
func (s *Service) MarkTimeout(ctx context.Context, approvalID uuid.UUID) (bool, error) {
	var (
		marked     bool
		workflowID uuid.UUID
		expiresAt  time.Time
	)
	err := s.store.UpdateApprovalLocked(ctx, approvalID, func(a *storage.Approval) error {
		if a.Status != storage.ApprovalPending {
			return nil
		}
		now := s.now().UTC()
		a.Status = storage.ApprovalTimeout
		a.RespondedAt = &now
		marked = true
		workflowID = a.WorkflowID
		expiresAt = a.ExpiresAt
		return nil
	})
	if err != nil || !marked {
		return false, err
	}

	s.record(ctx, workflowID, "approval.timeout", map[string]any{
		"approval_id": approvalID.String(),
		"expires_at":  expiresAt.Unix(),
	})
	return true, nil
}

// Rollback re-opens a REJECTED approval that has not yet expired: the
// response is cleared, the linked step (if any) goes back to running, and
// the workflow returns to RUNNING, or to WAITING_APPROVAL for
// single-approval workflows. The original token and deadline stay in
// force.
func (s *Service) Rollback(ctx context.Context, approvalID uuid.UUID) (*storage.Approval, error) {
	var updated *storage.Approval
	err := s.store.UpdateApprovalLocked(ctx, approvalID, func(a *storage.Approval) error {
		if a.Status != storage.ApprovalRejected {
			return ErrNotRejected
		}
		if a.Expired(s.now().UTC()) {
			return ErrExpired
		}
		a.Status = storage.ApprovalPending
		a.ResponseData = nil
		a.RespondedAt = nil
		copied := *a
		updated = &copied
		return nil
	})
	if err != nil {
		return nil, err
	}

	step, err := s.store.StepByApproval(ctx, approvalID)
	switch {
	case err == nil:
		if lerr := s.store.UpdateStepLocked(ctx, step.ID, func(st *storage.WorkflowStep) error {
			st.Status = storage.StepStatusRunning
			st.TaskOutput = nil
			st.CompletedAt = nil
			return nil
		}); lerr != nil {
			return nil, lerr
		}
		if terr := s.workflows.TransitionTo(ctx, updated.WorkflowID, storage.StateRunning, "approval rolled back"); terr != nil {
			return nil, terr
		}
	case errors.Is(err, storage.ErrNotFound):
		// Single-approval workflow: two hops back to waiting.
		if terr := s.workflows.TransitionTo(ctx, updated.WorkflowID, storage.StateRunning, "approval rolled back"); terr != nil {
			return nil, terr
		}
		if terr := s.workflows.TransitionTo(ctx, updated.WorkflowID, storage.StateWaitingApproval, "approval re-opened"); terr != nil {
			return nil, terr
		}
	default:
		return nil, err
	}

	s.record(ctx, updated.WorkflowID, "approval.requested", map[string]any{
		"approval_id":    updated.ID.String(),
		"ui_schema":      json.RawMessage(updated.UISchema),
		"expires_at":     updated.ExpiresAt.Unix(),
		"callback_token": updated.CallbackToken,
		"reissued":       true,
	})
	return updated, nil
}

// record appends the event to the workflow log and publishes it after the
// store write, mirroring the engine's commit-then-publish ordering.
func (s *Service) record(ctx context.Context, workflowID uuid.UUID, eventType string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["workflow_id"] = workflowID.String()

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("failed to marshal event payload",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
		return
	}
	evt := &storage.WorkflowEvent{
		WorkflowID: workflowID,
		EventType:  eventType,
		EventData:  data,
	}
	if err := s.store.AppendEvent(ctx, evt); err != nil {
		s.logger.Error("failed to append workflow event",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
	}

	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, eventType, payload); err != nil {
		s.logger.Warn("failed to publish event",
			"workflow_id", workflowID, "event_type", eventType, "error", err)
	}
}
