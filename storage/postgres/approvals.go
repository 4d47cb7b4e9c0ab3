package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/signoff-io/signoff/storage"
)

const approvalColumns = `id, workflow_id, status, ui_schema, response_data,
	requested_at, responded_at, expires_at, callback_token, external_message_ref`

func (s *Store) CreateApproval(ctx context.Context, a *storage.Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (`+approvalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.WorkflowID, a.Status, jsonb{raw: a.UISchema}, jsonb{raw: a.ResponseData},
		a.RequestedAt, a.RespondedAt, a.ExpiresAt, a.CallbackToken, a.ExternalMessageRef)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

func (s *Store) GetApproval(ctx context.Context, id uuid.UUID) (*storage.Approval, error) {
	return s.getApproval(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
}

func (s *Store) GetApprovalByToken(ctx context.Context, token string) (*storage.Approval, error) {
	return s.getApproval(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE callback_token = $1`, token)
}

func (s *Store) getApproval(ctx context.Context, query string, arg any) (*storage.Approval, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select approval: %w", err)
	}
	return row.entity(), nil
}

func (s *Store) UpdateApprovalLocked(ctx context.Context, id uuid.UUID, fn func(*storage.Approval) error) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row approvalRow
		err := tx.GetContext(ctx, &row, `
			SELECT `+approvalColumns+` FROM approval_requests
			WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock approval: %w", err)
		}

		a := row.entity()
		if err := fn(a); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE approval_requests
			SET status = $1, ui_schema = $2, response_data = $3, responded_at = $4,
				expires_at = $5, external_message_ref = $6
			WHERE id = $7`,
			a.Status, jsonb{raw: a.UISchema}, jsonb{raw: a.ResponseData},
			a.RespondedAt, a.ExpiresAt, a.ExternalMessageRef, a.ID)
		if err != nil {
			return fmt.Errorf("update locked approval: %w", err)
		}
		return nil
	})
}

func (s *Store) PendingApprovalsBefore(ctx context.Context, t time.Time) ([]*storage.Approval, error) {
	var rows []approvalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at`, storage.ApprovalPending, t)
	if err != nil {
		return nil, fmt.Errorf("select expired approvals: %w", err)
	}
	return approvalEntities(rows), nil
}

func (s *Store) PendingApprovalsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*storage.Approval, error) {
	var rows []approvalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+approvalColumns+` FROM approval_requests
		WHERE workflow_id = $1 AND status = $2
		ORDER BY requested_at`, workflowID, storage.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("select pending approvals: %w", err)
	}
	return approvalEntities(rows), nil
}

func approvalEntities(rows []approvalRow) []*storage.Approval {
	out := make([]*storage.Approval, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out
}
