// Package storage defines the persisted entities of the orchestrator and
// the Store contract implemented by the relational and in-memory backends.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// WorkflowState represents the lifecycle state of a workflow.
type WorkflowState string

const (
	StateCreated         WorkflowState = "CREATED"
	StateRunning         WorkflowState = "RUNNING"
	StateWaitingApproval WorkflowState = "WAITING_APPROVAL"
	StateApproved        WorkflowState = "APPROVED"
	StateRejected        WorkflowState = "REJECTED"
	StateTimeout         WorkflowState = "TIMEOUT"
	StateFailed          WorkflowState = "FAILED"
	StateCompleted       WorkflowState = "COMPLETED"
)

// Terminal reports whether the state needs no further sweeper intervention.
// FAILED, REJECTED and TIMEOUT remain retryable through the explicit retry
// API but the timeout sweeper must not transition them again.
func (s WorkflowState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected, StateTimeout:
		return true
	}
	return false
}

// StepType distinguishes automated task steps from human approval steps.
type StepType string

const (
	StepTypeTask     StepType = "task"
	StepTypeApproval StepType = "approval"
)

// StepStatus represents the execution status of a single workflow step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// ApprovalStatus represents the lifecycle state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalRejected  ApprovalStatus = "REJECTED"
	ApprovalTimeout   ApprovalStatus = "TIMEOUT"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// Workflow is the top-level unit of orchestration. Rows are never deleted;
// terminal states are the logical end of life.
type Workflow struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	Type           string          `db:"workflow_type" json:"workflow_type"`
	State          WorkflowState   `db:"state" json:"state"`
	Context        json.RawMessage `db:"context" json:"context,omitempty"`
	Version        int64           `db:"version" json:"version"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	MaxRetries     int             `db:"max_retries" json:"max_retries"`
	RollbackCount  int             `db:"rollback_count" json:"rollback_count"`
	MaxRollbacks   int             `db:"max_rollbacks" json:"max_rollbacks"`
	PreviousState  *WorkflowState  `db:"previous_state" json:"previous_state,omitempty"`
	RollbackReason string          `db:"rollback_reason" json:"rollback_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// WorkflowStep is one entry in a workflow's ordered execution list.
// (workflow_id, step_order) is unique; at most one step per workflow is
// running at any instant.
type WorkflowStep struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	WorkflowID  uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	StepOrder   int             `db:"step_order" json:"step_order"`
	Type        StepType        `db:"step_type" json:"step_type"`
	Status      StepStatus      `db:"status" json:"status"`
	TaskHandler string          `db:"task_handler" json:"task_handler,omitempty"`
	TaskInput   json.RawMessage `db:"task_input" json:"task_input,omitempty"`
	TaskOutput  json.RawMessage `db:"task_output" json:"task_output,omitempty"`
	ApprovalID  *uuid.UUID      `db:"approval_id" json:"approval_id,omitempty"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// Approval is a record of a required human decision. Once the status leaves
// PENDING, RespondedAt is set and never cleared except by the explicit
// approval rollback operation.
type Approval struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	WorkflowID         uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	Status             ApprovalStatus  `db:"status" json:"status"`
	UISchema           json.RawMessage `db:"ui_schema" json:"ui_schema,omitempty"`
	ResponseData       json.RawMessage `db:"response_data" json:"response_data,omitempty"`
	RequestedAt        time.Time       `db:"requested_at" json:"requested_at"`
	RespondedAt        *time.Time      `db:"responded_at" json:"responded_at,omitempty"`
	ExpiresAt          time.Time       `db:"expires_at" json:"expires_at"`
	CallbackToken      string          `db:"callback_token" json:"callback_token,omitempty"`
	ExternalMessageRef string          `db:"external_message_ref" json:"external_message_ref,omitempty"`
}

// Expired reports whether the approval deadline has passed at t.
func (a *Approval) Expired(t time.Time) bool {
	return t.After(a.ExpiresAt)
}

// WorkflowEvent is an append-only audit record. (workflow_id,
// sequence_number) is unique and sequence numbers are gap-free per workflow.
type WorkflowEvent struct {
	ID             int64           `db:"id" json:"id"`
	WorkflowID     uuid.UUID       `db:"workflow_id" json:"workflow_id"`
	EventType      string          `db:"event_type" json:"event_type"`
	EventData      json.RawMessage `db:"event_data" json:"event_data,omitempty"`
	SequenceNumber int64           `db:"sequence_number" json:"sequence_number"`
	OccurredAt     time.Time       `db:"occurred_at" json:"occurred_at"`
}

// DLQEntry is a durable record of an event or workflow that exhausted its
// retry budget. Append-only, drained by an operator.
type DLQEntry struct {
	ID                int64           `db:"id" json:"id"`
	OriginalEventType string          `db:"original_event_type" json:"original_event_type"`
	EventData         json.RawMessage `db:"event_data" json:"event_data,omitempty"`
	ErrorMessage      string          `db:"error_message" json:"error_message"`
	RetryCount        int             `db:"retry_count" json:"retry_count"`
	WorkflowID        *uuid.UUID      `db:"workflow_id" json:"workflow_id,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// IdempotencyRecord stores the response previously returned for a
// caller-supplied idempotency key so replays are byte-identical.
type IdempotencyRecord struct {
	Key        string          `db:"idempotency_key" json:"idempotency_key"`
	StatusCode int             `db:"status_code" json:"status_code"`
	Response   json.RawMessage `db:"response" json:"response"`
	CreatedAt  time.Time       `db:"created_at" json:"created_at"`
	ExpiresAt  time.Time       `db:"expires_at" json:"expires_at"`
}

// ConversationMessage is one turn in a conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation links a chat conversation to the workflows and approvals it
// touched. Owned by the conversational adapter; the core only appends.
type Conversation struct {
	ID         string                `db:"id" json:"id"`
	UserID     string                `db:"user_id" json:"user_id"`
	Channel    string                `db:"channel" json:"channel"`
	Messages   []ConversationMessage `db:"-" json:"messages"`
	WorkflowID *uuid.UUID            `db:"workflow_id" json:"workflow_id,omitempty"`
	ApprovalID *uuid.UUID            `db:"approval_id" json:"approval_id,omitempty"`
	State      string                `db:"state" json:"state,omitempty"`
	UpdatedAt  time.Time             `db:"updated_at" json:"updated_at"`
}
