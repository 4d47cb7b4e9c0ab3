package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/signoff-io/signoff/storage"
)

const stepColumns = `id, workflow_id, step_order, step_type, status, task_handler,
	task_input, task_output, approval_id, started_at, completed_at`

func (s *Store) CreateSteps(ctx context.Context, steps []*storage.WorkflowStep) error {
	if len(steps) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, st := range steps {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_steps (`+stepColumns+`)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				st.ID, st.WorkflowID, st.StepOrder, st.Type, st.Status, st.TaskHandler,
				jsonb{raw: st.TaskInput}, jsonb{raw: st.TaskOutput},
				st.ApprovalID, st.StartedAt, st.CompletedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return storage.ErrDuplicateKey
				}
				return fmt.Errorf("insert step %d: %w", st.StepOrder, err)
			}
		}
		return nil
	})
}

func (s *Store) StepsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*storage.WorkflowStep, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 ORDER BY step_order`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("select steps: %w", err)
	}
	out := make([]*storage.WorkflowStep, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out, nil
}

func (s *Store) NextPendingStep(ctx context.Context, workflowID uuid.UUID) (*storage.WorkflowStep, error) {
	return s.getStep(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 AND status = $2
		ORDER BY step_order LIMIT 1`, workflowID, storage.StepStatusPending)
}

func (s *Store) FirstResumableStep(ctx context.Context, workflowID uuid.UUID) (*storage.WorkflowStep, error) {
	return s.getStep(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 AND status IN ($2, $3)
		ORDER BY step_order LIMIT 1`, workflowID, storage.StepStatusFailed, storage.StepStatusRunning)
}

func (s *Store) StepByApproval(ctx context.Context, approvalID uuid.UUID) (*storage.WorkflowStep, error) {
	return s.getStep(ctx, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE approval_id = $1 LIMIT 1`, approvalID)
}

func (s *Store) RunningSteps(ctx context.Context, workflowID uuid.UUID) ([]*storage.WorkflowStep, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+stepColumns+` FROM workflow_steps
		WHERE workflow_id = $1 AND status = $2
		ORDER BY step_order`, workflowID, storage.StepStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("select running steps: %w", err)
	}
	out := make([]*storage.WorkflowStep, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out, nil
}

func (s *Store) getStep(ctx context.Context, query string, args ...any) (*storage.WorkflowStep, error) {
	var row stepRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select step: %w", err)
	}
	return row.entity(), nil
}

func (s *Store) UpdateStep(ctx context.Context, st *storage.WorkflowStep) error {
	res, err := s.db.ExecContext(ctx, updateStepQuery,
		st.Status, st.TaskHandler, jsonb{raw: st.TaskInput}, jsonb{raw: st.TaskOutput},
		st.ApprovalID, st.StartedAt, st.CompletedAt, st.ID)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

const updateStepQuery = `
	UPDATE workflow_steps
	SET status = $1, task_handler = $2, task_input = $3, task_output = $4,
		approval_id = $5, started_at = $6, completed_at = $7
	WHERE id = $8`

func (s *Store) UpdateStepLocked(ctx context.Context, id uuid.UUID, fn func(*storage.WorkflowStep) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row stepRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+stepColumns+` FROM workflow_steps
			WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock step: %w", err)
		}

		st := row.entity()
		if err := fn(st); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, updateStepQuery,
			st.Status, st.TaskHandler, jsonb{raw: st.TaskInput}, jsonb{raw: st.TaskOutput},
			st.ApprovalID, st.StartedAt, st.CompletedAt, st.ID)
		if err != nil {
			return fmt.Errorf("update locked step: %w", err)
		}
		return nil
	})
}

func (s *Store) ResetStepsFrom(ctx context.Context, workflowID uuid.UUID, fromOrder int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps
		SET status = $1, task_output = NULL, approval_id = NULL,
			started_at = NULL, completed_at = NULL
		WHERE workflow_id = $2 AND step_order >= $3`,
		storage.StepStatusPending, workflowID, fromOrder)
	if err != nil {
		return fmt.Errorf("reset steps: %w", err)
	}
	return nil
}
