package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/signoff-io/signoff/storage"
)

const workflowColumns = `id, workflow_type, state, context, version, retry_count, max_retries,
	rollback_count, max_rollbacks, previous_state, rollback_reason, created_at, updated_at`

func (s *Store) CreateWorkflow(ctx context.Context, w *storage.Workflow) error {
	now := time.Now().UTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = now
	}
	if w.Version == 0 {
		w.Version = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.Type, w.State, jsonb{raw: w.Context}, w.Version,
		w.RetryCount, w.MaxRetries, w.RollbackCount, w.MaxRollbacks,
		w.PreviousState, w.RollbackReason, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*storage.Workflow, error) {
	var row workflowRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow: %w", err)
	}
	return row.entity(), nil
}

func (s *Store) ListWorkflows(ctx context.Context, state storage.WorkflowState, limit int) ([]*storage.Workflow, error) {
	query := `SELECT ` + workflowColumns + ` FROM workflows`
	args := []any{}
	if state != "" {
		query += ` WHERE state = $1`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}

	var rows []workflowRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*storage.Workflow, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out, nil
}

func (s *Store) UpdateWorkflowCAS(ctx context.Context, w *storage.Workflow, expectedVersion int64) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET workflow_type = $1, state = $2, context = $3, version = version + 1,
			retry_count = $4, max_retries = $5, rollback_count = $6, max_rollbacks = $7,
			previous_state = $8, rollback_reason = $9, updated_at = $10
		WHERE id = $11 AND version = $12`,
		w.Type, w.State, jsonb{raw: w.Context},
		w.RetryCount, w.MaxRetries, w.RollbackCount, w.MaxRollbacks,
		w.PreviousState, w.RollbackReason, now,
		w.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}
	if n == 0 {
		var exists bool
		if err := s.db.GetContext(ctx, &exists,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, w.ID); err != nil {
			return fmt.Errorf("check workflow existence: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		return storage.ErrVersionConflict
	}
	w.Version = expectedVersion + 1
	w.UpdatedAt = now
	return nil
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
