package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/signoff-io/signoff/storage"
)

const dlqColumns = `id, original_event_type, event_data, error_message, retry_count, workflow_id, created_at`

func (s *Store) AppendDLQ(ctx context.Context, e *storage.DLQEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	err := s.db.GetContext(ctx, &e.ID, `
		INSERT INTO dlq (original_event_type, event_data, error_message, retry_count, workflow_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.OriginalEventType, jsonb{raw: e.EventData}, e.ErrorMessage, e.RetryCount, e.WorkflowID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert dlq entry: %w", err)
	}
	return nil
}

func (s *Store) ListDLQ(ctx context.Context, limit int) ([]*storage.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	var rows []dlqRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}
	out := make([]*storage.DLQEntry, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out, nil
}

func (s *Store) GetDLQ(ctx context.Context, id int64) (*storage.DLQEntry, error) {
	var row dlqRow
	err := s.db.GetContext(ctx, &row, `SELECT `+dlqColumns+` FROM dlq WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select dlq entry: %w", err)
	}
	return row.entity(), nil
}

func (s *Store) DeleteDLQ(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dlq entry: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ClearDLQ(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dlq`)
	if err != nil {
		return 0, fmt.Errorf("clear dlq: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear dlq: %w", err)
	}
	return n, nil
}
