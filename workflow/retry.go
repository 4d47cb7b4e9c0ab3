package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/storage"
)

// RetryWorkflow re-runs a workflow that sits in TIMEOUT or FAILED. It
// returns false when the workflow is not in a retryable state or when its
// retry budget is exhausted; exhaustion also moves the workflow to the
// dead letter queue. Multi-step workflows resume from the first failed or
// timed-out step; single-approval workflows re-announce themselves via an
// approval.retry event so the approval can be re-created.
func (e *Engine) RetryWorkflow(ctx context.Context, workflowID uuid.UUID) (bool, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if w.State != storage.StateTimeout && w.State != storage.StateFailed {
		return false, nil
	}

	if w.RetryCount >= w.MaxRetries {
		e.logger.Warn("retry budget exhausted, moving workflow to DLQ",
			"workflow_id", workflowID,
			"retry_count", w.RetryCount,
			"max_retries", w.MaxRetries)
		if err := e.MarkFailed(ctx, workflowID, "retry budget exhausted", true); err != nil {
			return false, err
		}
		return false, nil
	}

	delay := e.backoffDelay(w.RetryCount)
	e.cancelPendingApprovals(ctx, workflowID, "superseded by retry")

	// Re-read after cancellation; approvals do not touch the workflow
	// row but a concurrent transition may have.
	w, err = e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if !CanTransition(w.State, storage.StateRunning) {
		return false, &InvalidTransitionError{From: w.State, To: storage.StateRunning}
	}
	from := w.State
	w.State = storage.StateRunning
	w.RetryCount++
	if err := e.store.UpdateWorkflowCAS(ctx, w, w.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return false, fmt.Errorf("retry: %w", ErrConcurrentModification)
		}
		return false, err
	}
	e.record(ctx, workflowID, "workflow.state_changed", map[string]any{
		"from":            string(from),
		"to":              string(storage.StateRunning),
		"reason":          "retry",
		"retry_count":     w.RetryCount,
		"backoff_seconds": delay.Seconds(),
		"version":         w.Version,
	})

	steps, err := e.store.StepsByWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if len(steps) == 0 {
		// Single-approval workflow: the approval.retry handler re-creates
		// the approval from the schema stashed in the context.
		e.record(ctx, workflowID, "approval.retry", map[string]any{
			"retry_count":     w.RetryCount,
			"backoff_seconds": delay.Seconds(),
		})
		return true, nil
	}

	if resumable, err := e.store.FirstResumableStep(ctx, workflowID); err == nil {
		if err := e.store.ResetStepsFrom(ctx, workflowID, resumable.StepOrder); err != nil {
			return false, err
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return false, err
	}
	return true, e.ExecuteNextStep(ctx, workflowID)
}

// MarkFailed finalizes a workflow as FAILED: pending approvals are
// cancelled, running steps are closed out, the workflow transitions to
// FAILED and a workflow.failed event is recorded. With moveToDLQ the full
// workflow snapshot is also written to the dead letter queue for manual
// inspection.
func (e *Engine) MarkFailed(ctx context.Context, workflowID uuid.UUID, errMsg string, moveToDLQ bool) error {
	e.cancelPendingApprovals(ctx, workflowID, "workflow failed")

	running, err := e.store.RunningSteps(ctx, workflowID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	for _, s := range running {
		now := time.Now().UTC()
		out, _ := json.Marshal(map[string]any{
			"error":       errMsg,
			"interrupted": true,
		})
		if uerr := e.store.UpdateStepLocked(ctx, s.ID, func(step *storage.WorkflowStep) error {
			if step.Status != storage.StepStatusRunning {
				return nil
			}
			step.Status = storage.StepStatusFailed
			step.TaskOutput = out
			step.CompletedAt = &now
			return nil
		}); uerr != nil {
			e.logger.Warn("failed to close out running step",
				"workflow_id", workflowID, "step_id", s.ID, "error", uerr)
		}
	}

	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.State != storage.StateFailed {
		if err := e.TransitionTo(ctx, workflowID, storage.StateFailed, errMsg); err != nil {
			return err
		}
	}

	e.record(ctx, workflowID, "workflow.failed", map[string]any{
		"error":       errMsg,
		"retry_count": w.RetryCount,
	})

	if moveToDLQ {
		w, err = e.store.GetWorkflow(ctx, workflowID)
		if err != nil {
			return err
		}
		snapshot, merr := json.Marshal(w)
		if merr != nil {
			return fmt.Errorf("marshal workflow snapshot: %w", merr)
		}
		entry := &storage.DLQEntry{
			OriginalEventType: "workflow.failed",
			EventData:         snapshot,
			ErrorMessage:      errMsg,
			RetryCount:        w.RetryCount,
			WorkflowID:        &workflowID,
		}
		if err := e.store.AppendDLQ(ctx, entry); err != nil {
			return fmt.Errorf("append workflow to DLQ: %w", err)
		}
	}
	return nil
}

// RollbackWorkflow performs an explicit, human-initiated rollback to a
// prior state. It consumes one unit of the rollback budget and records
// the prior state and the operator's reason on the workflow row.
func (e *Engine) RollbackWorkflow(ctx context.Context, workflowID uuid.UUID, target storage.WorkflowState, reason, actor string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if !CanTransition(w.State, target) {
		return &InvalidTransitionError{From: w.State, To: target}
	}
	if w.RollbackCount >= w.MaxRollbacks {
		return fmt.Errorf("rollback %s: %w", workflowID, ErrRollbackBudgetExhausted)
	}

	prev := w.State
	w.PreviousState = &prev
	w.RollbackReason = reason
	w.RollbackCount++
	w.State = target
	if err := e.store.UpdateWorkflowCAS(ctx, w, w.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return fmt.Errorf("rollback: %w", ErrConcurrentModification)
		}
		return err
	}

	e.record(ctx, workflowID, "workflow.rolled_back", map[string]any{
		"from":           string(prev),
		"to":             string(target),
		"reason":         reason,
		"actor":          actor,
		"rollback_count": w.RollbackCount,
	})
	return nil
}

// cancelPendingApprovals cancels every still-pending approval of the
// workflow. Each cancellation is isolated; one failure does not stop the
// rest.
func (e *Engine) cancelPendingApprovals(ctx context.Context, workflowID uuid.UUID, reason string) {
	pending, err := e.store.PendingApprovalsByWorkflow(ctx, workflowID)
	if err != nil {
		e.logger.Warn("failed to list pending approvals",
			"workflow_id", workflowID, "error", err)
		return
	}
	for _, a := range pending {
		now := time.Now().UTC()
		if err := e.store.UpdateApprovalLocked(ctx, a.ID, func(ap *storage.Approval) error {
			if ap.Status != storage.ApprovalPending {
				return nil
			}
			ap.Status = storage.ApprovalCancelled
			ap.RespondedAt = &now
			return nil
		}); err != nil {
			e.logger.Warn("failed to cancel approval",
				"workflow_id", workflowID, "approval_id", a.ID, "error", err)
			continue
		}
		e.record(ctx, workflowID, "approval.cancelled", map[string]any{
			"approval_id": a.ID.String(),
			"reason":      reason,
		})
	}
}
