package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for the orchestrator core.
//
// Implementations must provide:
//   - optimistic concurrency on workflow rows (UpdateWorkflowCAS),
//   - row-level serialization on approval and step rows (the Locked
//     variants run the mutation callback while holding the row lock),
//   - transactional sequence allocation for workflow events.
//
// All methods return ErrNotFound for unknown identifiers.
type Store interface {
	WorkflowStore
	StepStore
	ApprovalStore
	EventStore
	DLQStore
	IdempotencyStore
	ConversationStore
}

// WorkflowStore persists workflow rows.
type WorkflowStore interface {
	CreateWorkflow(ctx context.Context, w *Workflow) error
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	// ListWorkflows returns workflows ordered by created_at descending,
	// optionally filtered by state. limit <= 0 means no limit.
	ListWorkflows(ctx context.Context, state WorkflowState, limit int) ([]*Workflow, error)
	// UpdateWorkflowCAS writes w only if the stored version still equals
	// expectedVersion, bumping w.Version and w.UpdatedAt on success.
	// Returns ErrVersionConflict when another writer advanced the row.
	UpdateWorkflowCAS(ctx context.Context, w *Workflow, expectedVersion int64) error
}

// StepStore persists workflow steps.
type StepStore interface {
	CreateSteps(ctx context.Context, steps []*WorkflowStep) error
	StepsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error)
	// NextPendingStep returns the smallest-ordered pending step, or
	// ErrNotFound when every step has advanced past pending.
	NextPendingStep(ctx context.Context, workflowID uuid.UUID) (*WorkflowStep, error)
	// FirstResumableStep returns the smallest-ordered step whose status is
	// failed or running. Running is a safety net for interrupted steps.
	FirstResumableStep(ctx context.Context, workflowID uuid.UUID) (*WorkflowStep, error)
	StepByApproval(ctx context.Context, approvalID uuid.UUID) (*WorkflowStep, error)
	RunningSteps(ctx context.Context, workflowID uuid.UUID) ([]*WorkflowStep, error)
	UpdateStep(ctx context.Context, s *WorkflowStep) error
	// UpdateStepLocked loads the step under a row lock, applies fn and
	// persists the result in the same transaction. An error from fn aborts
	// the transaction and is returned unchanged.
	UpdateStepLocked(ctx context.Context, id uuid.UUID, fn func(*WorkflowStep) error) error
	// ResetStepsFrom resets every step with step_order >= fromOrder back to
	// pending, clearing output, approval linkage and timestamps.
	ResetStepsFrom(ctx context.Context, workflowID uuid.UUID, fromOrder int) error
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id uuid.UUID) (*Approval, error)
	GetApprovalByToken(ctx context.Context, token string) (*Approval, error)
	// UpdateApprovalLocked loads the approval under a row lock (SELECT ...
	// FOR UPDATE on relational backends), applies fn and persists the
	// result in the same transaction. This serializes approve-vs-timeout
	// races.
	UpdateApprovalLocked(ctx context.Context, id uuid.UUID, fn func(*Approval) error) error
	// PendingApprovalsBefore returns PENDING approvals whose deadline
	// passed before t. Used by the timeout sweeper.
	PendingApprovalsBefore(ctx context.Context, t time.Time) ([]*Approval, error)
	PendingApprovalsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*Approval, error)
}

// EventStore persists the append-only workflow event log.
type EventStore interface {
	// AppendEvent assigns the next per-workflow sequence number inside the
	// insert transaction and fills e.SequenceNumber and e.OccurredAt.
	AppendEvent(ctx context.Context, e *WorkflowEvent) error
	EventsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*WorkflowEvent, error)
}

// DLQStore persists dead-letter entries.
type DLQStore interface {
	AppendDLQ(ctx context.Context, e *DLQEntry) error
	ListDLQ(ctx context.Context, limit int) ([]*DLQEntry, error)
	GetDLQ(ctx context.Context, id int64) (*DLQEntry, error)
	DeleteDLQ(ctx context.Context, id int64) error
	ClearDLQ(ctx context.Context) (int64, error)
}

// IdempotencyStore deduplicates writes by caller-supplied key.
type IdempotencyStore interface {
	GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error)
	PutIdempotency(ctx context.Context, rec *IdempotencyRecord) error
	PurgeIdempotency(ctx context.Context, before time.Time) (int64, error)
}

// ConversationStore persists chat conversation history.
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	PutConversation(ctx context.Context, c *Conversation) error
}
