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

// AppendEvent allocates the next per-workflow sequence number while holding
// the parent workflow's row lock, so concurrent appenders cannot produce
// gaps or duplicates.
func (s *Store) AppendEvent(ctx context.Context, e *storage.WorkflowEvent) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var version int64
		err := tx.GetContext(ctx, &version,
			`SELECT version FROM workflows WHERE id = $1 FOR UPDATE`, e.WorkflowID)
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock workflow for event: %w", err)
		}

		var seq int64
		err = tx.GetContext(ctx, &seq, `
			SELECT COALESCE(MAX(sequence_number), 0) + 1
			FROM workflow_events WHERE workflow_id = $1`, e.WorkflowID)
		if err != nil {
			return fmt.Errorf("allocate event sequence: %w", err)
		}

		if e.OccurredAt.IsZero() {
			e.OccurredAt = time.Now().UTC()
		}
		err = tx.GetContext(ctx, &e.ID, `
			INSERT INTO workflow_events (workflow_id, event_type, event_data, sequence_number, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			e.WorkflowID, e.EventType, jsonb{raw: e.EventData}, seq, e.OccurredAt)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		e.SequenceNumber = seq
		return nil
	})
}

func (s *Store) EventsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]*storage.WorkflowEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, workflow_id, event_type, event_data, sequence_number, occurred_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY sequence_number`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("select events: %w", err)
	}
	out := make([]*storage.WorkflowEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].entity()
	}
	return out, nil
}
