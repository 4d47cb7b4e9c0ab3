package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/signoff-io/signoff/storage"
)

func (s *Store) GetIdempotency(ctx context.Context, key string) (*storage.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT idempotency_key, status_code, response, created_at, expires_at
		FROM idempotency_keys WHERE idempotency_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select idempotency record: %w", err)
	}
	return row.entity(), nil
}

func (s *Store) PutIdempotency(ctx context.Context, rec *storage.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (idempotency_key, status_code, response, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status_code = EXCLUDED.status_code, response = EXCLUDED.response,
			created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at`,
		rec.Key, rec.StatusCode, jsonb{raw: rec.Response}, rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("upsert idempotency record: %w", err)
	}
	return nil
}

func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	return n, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, user_id, channel, messages, workflow_id, approval_id, state, updated_at
		FROM conversations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}
	return row.entity()
}

func (s *Store) PutConversation(ctx context.Context, c *storage.Conversation) error {
	messages := c.Messages
	if messages == nil {
		messages = []storage.ConversationMessage{}
	}
	encoded, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode conversation messages: %w", err)
	}
	c.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, channel, messages, workflow_id, approval_id, state, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE
		SET user_id = EXCLUDED.user_id, channel = EXCLUDED.channel,
			messages = EXCLUDED.messages, workflow_id = EXCLUDED.workflow_id,
			approval_id = EXCLUDED.approval_id, state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		c.ID, c.UserID, c.Channel, jsonb{raw: encoded},
		c.WorkflowID, c.ApprovalID, c.State, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}
