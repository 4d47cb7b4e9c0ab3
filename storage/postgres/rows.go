package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/storage"
)

// jsonb carries a nullable JSONB column. json.RawMessage cannot scan SQL
// NULL directly, and lib/pq would send a raw []byte as bytea.
type jsonb struct {
	raw json.RawMessage
}

func (j jsonb) Value() (driver.Value, error) {
	if len(j.raw) == 0 {
		return nil, nil
	}
	return string(j.raw), nil
}

func (j *jsonb) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		j.raw = nil
	case []byte:
		j.raw = append(json.RawMessage(nil), v...)
	case string:
		j.raw = json.RawMessage(v)
	default:
		return fmt.Errorf("scan jsonb: unsupported type %T", src)
	}
	return nil
}

type workflowRow struct {
	ID             uuid.UUID              `db:"id"`
	Type           string                 `db:"workflow_type"`
	State          storage.WorkflowState  `db:"state"`
	Context        jsonb                  `db:"context"`
	Version        int64                  `db:"version"`
	RetryCount     int                    `db:"retry_count"`
	MaxRetries     int                    `db:"max_retries"`
	RollbackCount  int                    `db:"rollback_count"`
	MaxRollbacks   int                    `db:"max_rollbacks"`
	PreviousState  *storage.WorkflowState `db:"previous_state"`
	RollbackReason string                 `db:"rollback_reason"`
	CreatedAt      time.Time              `db:"created_at"`
	UpdatedAt      time.Time              `db:"updated_at"`
}

func (r *workflowRow) entity() *storage.Workflow {
	return &storage.Workflow{
		ID:             r.ID,
		Type:           r.Type,
		State:          r.State,
		Context:        r.Context.raw,
		Version:        r.Version,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		RollbackCount:  r.RollbackCount,
		MaxRollbacks:   r.MaxRollbacks,
		PreviousState:  r.PreviousState,
		RollbackReason: r.RollbackReason,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type stepRow struct {
	ID          uuid.UUID          `db:"id"`
	WorkflowID  uuid.UUID          `db:"workflow_id"`
	StepOrder   int                `db:"step_order"`
	Type        storage.StepType   `db:"step_type"`
	Status      storage.StepStatus `db:"status"`
	TaskHandler string             `db:"task_handler"`
	TaskInput   jsonb              `db:"task_input"`
	TaskOutput  jsonb              `db:"task_output"`
	ApprovalID  *uuid.UUID         `db:"approval_id"`
	StartedAt   *time.Time         `db:"started_at"`
	CompletedAt *time.Time         `db:"completed_at"`
}

func (r *stepRow) entity() *storage.WorkflowStep {
	return &storage.WorkflowStep{
		ID:          r.ID,
		WorkflowID:  r.WorkflowID,
		StepOrder:   r.StepOrder,
		Type:        r.Type,
		Status:      r.Status,
		TaskHandler: r.TaskHandler,
		TaskInput:   r.TaskInput.raw,
		TaskOutput:  r.TaskOutput.raw,
		ApprovalID:  r.ApprovalID,
		StartedAt:   r.StartedAt,
		CompletedAt: r.CompletedAt,
	}
}

type approvalRow struct {
	ID                 uuid.UUID              `db:"id"`
	WorkflowID         uuid.UUID              `db:"workflow_id"`
	Status             storage.ApprovalStatus `db:"status"`
	UISchema           jsonb                  `db:"ui_schema"`
	ResponseData       jsonb                  `db:"response_data"`
	RequestedAt        time.Time              `db:"requested_at"`
	RespondedAt        *time.Time             `db:"responded_at"`
	ExpiresAt          time.Time              `db:"expires_at"`
	CallbackToken      string                 `db:"callback_token"`
	ExternalMessageRef string                 `db:"external_message_ref"`
}

func (r *approvalRow) entity() *storage.Approval {
	return &storage.Approval{
		ID:                 r.ID,
		WorkflowID:         r.WorkflowID,
		Status:             r.Status,
		UISchema:           r.UISchema.raw,
		ResponseData:       r.ResponseData.raw,
		RequestedAt:        r.RequestedAt,
		RespondedAt:        r.RespondedAt,
		ExpiresAt:          r.ExpiresAt,
		CallbackToken:      r.CallbackToken,
		ExternalMessageRef: r.ExternalMessageRef,
	}
}

type eventRow struct {
	ID             int64     `db:"id"`
	WorkflowID     uuid.UUID `db:"workflow_id"`
	EventType      string    `db:"event_type"`
	EventData      jsonb     `db:"event_data"`
	SequenceNumber int64     `db:"sequence_number"`
	OccurredAt     time.Time `db:"occurred_at"`
}

func (r *eventRow) entity() *storage.WorkflowEvent {
	return &storage.WorkflowEvent{
		ID:             r.ID,
		WorkflowID:     r.WorkflowID,
		EventType:      r.EventType,
		EventData:      r.EventData.raw,
		SequenceNumber: r.SequenceNumber,
		OccurredAt:     r.OccurredAt,
	}
}

type dlqRow struct {
	ID                int64      `db:"id"`
	OriginalEventType string     `db:"original_event_type"`
	EventData         jsonb      `db:"event_data"`
	ErrorMessage      string     `db:"error_message"`
	RetryCount        int        `db:"retry_count"`
	WorkflowID        *uuid.UUID `db:"workflow_id"`
	CreatedAt         time.Time  `db:"created_at"`
}

func (r *dlqRow) entity() *storage.DLQEntry {
	return &storage.DLQEntry{
		ID:                r.ID,
		OriginalEventType: r.OriginalEventType,
		EventData:         r.EventData.raw,
		ErrorMessage:      r.ErrorMessage,
		RetryCount:        r.RetryCount,
		WorkflowID:        r.WorkflowID,
		CreatedAt:         r.CreatedAt,
	}
}

type idempotencyRow struct {
	Key        string    `db:"idempotency_key"`
	StatusCode int       `db:"status_code"`
	Response   jsonb     `db:"response"`
	CreatedAt  time.Time `db:"created_at"`
	ExpiresAt  time.Time `db:"expires_at"`
}

func (r *idempotencyRow) entity() *storage.IdempotencyRecord {
	return &storage.IdempotencyRecord{
		Key:        r.Key,
		StatusCode: r.StatusCode,
		Response:   r.Response.raw,
		CreatedAt:  r.CreatedAt,
		ExpiresAt:  r.ExpiresAt,
	}
}

type conversationRow struct {
	ID         string     `db:"id"`
	UserID     string     `db:"user_id"`
	Channel    string     `db:"channel"`
	Messages   jsonb      `db:"messages"`
	WorkflowID *uuid.UUID `db:"workflow_id"`
	ApprovalID *uuid.UUID `db:"approval_id"`
	State      string     `db:"state"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

func (r *conversationRow) entity() (*storage.Conversation, error) {
	c := &storage.Conversation{
		ID:         r.ID,
		UserID:     r.UserID,
		Channel:    r.Channel,
		WorkflowID: r.WorkflowID,
		ApprovalID: r.ApprovalID,
		State:      r.State,
		UpdatedAt:  r.UpdatedAt,
	}
	if len(r.Messages.raw) > 0 {
		if err := json.Unmarshal(r.Messages.raw, &c.Messages); err != nil {
			return nil, fmt.Errorf("decode conversation messages: %w", err)
		}
	}
	return c, nil
}
