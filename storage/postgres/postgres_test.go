package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signoff-io/signoff/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestUpdateWorkflowCAS(t *testing.T) {
	id := uuid.New()
	w := &storage.Workflow{
		ID:      id,
		Type:    "deploy",
		State:   storage.StateRunning,
		Version: 3,
	}

	t.Run("success bumps version", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE workflows").
			WillReturnResult(sqlmock.NewResult(0, 1))

		wf := *w
		require.NoError(t, store.UpdateWorkflowCAS(context.Background(), &wf, 3))
		assert.Equal(t, int64(4), wf.Version)
		assert.False(t, wf.UpdatedAt.IsZero())
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stale version conflicts", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE workflows").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		wf := *w
		err := store.UpdateWorkflowCAS(context.Background(), &wf, 2)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
		assert.Equal(t, int64(3), wf.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row is not found", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec("UPDATE workflows").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		wf := *w
		err := store.UpdateWorkflowCAS(context.Background(), &wf, 3)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestAppendEventAllocatesSequenceUnderLock(t *testing.T) {
	store, mock := newMockStore(t)
	workflowID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM workflows").
		WithArgs(workflowID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(2)))
	mock.ExpectQuery(`COALESCE\(MAX\(sequence_number\), 0\)`).
		WithArgs(workflowID).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(5)))
	mock.ExpectQuery("INSERT INTO workflow_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	e := &storage.WorkflowEvent{
		WorkflowID: workflowID,
		EventType:  "workflow.started",
		EventData:  json.RawMessage(`{"actor":"api"}`),
	}
	require.NoError(t, store.AppendEvent(context.Background(), e))
	assert.Equal(t, int64(5), e.SequenceNumber)
	assert.Equal(t, int64(42), e.ID)
	assert.False(t, e.OccurredAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEventUnknownWorkflow(t *testing.T) {
	store, mock := newMockStore(t)
	workflowID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT version FROM workflows").
		WithArgs(workflowID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))
	mock.ExpectRollback()

	err := store.AppendEvent(context.Background(), &storage.WorkflowEvent{
		WorkflowID: workflowID,
		EventType:  "workflow.started",
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func approvalMockRows(a *storage.Approval) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workflow_id", "status", "ui_schema", "response_data",
		"requested_at", "responded_at", "expires_at", "callback_token", "external_message_ref",
	}).AddRow(
		a.ID, a.WorkflowID, string(a.Status), []byte(a.UISchema), nil,
		a.RequestedAt, nil, a.ExpiresAt, a.CallbackToken, a.ExternalMessageRef,
	)
}

func TestUpdateApprovalLockedCommitsMutation(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	a := &storage.Approval{
		ID:            uuid.New(),
		WorkflowID:    uuid.New(),
		Status:        storage.ApprovalPending,
		UISchema:      json.RawMessage(`{"title":"Deploy?"}`),
		RequestedAt:   now,
		ExpiresAt:     now.Add(time.Hour),
		CallbackToken: "tok",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM approval_requests").
		WithArgs(a.ID).
		WillReturnRows(approvalMockRows(a))
	mock.ExpectExec("UPDATE approval_requests").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.UpdateApprovalLocked(context.Background(), a.ID, func(row *storage.Approval) error {
		require.Equal(t, storage.ApprovalPending, row.Status)
		require.JSONEq(t, `{"title":"Deploy?"}`, string(row.UISchema))
		row.Status = storage.ApprovalApproved
		row.RespondedAt = &now
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateApprovalLockedAbortsOnCallbackError(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	a := &storage.Approval{
		ID:          uuid.New(),
		WorkflowID:  uuid.New(),
		Status:      storage.ApprovalPending,
		RequestedAt: now,
		ExpiresAt:   now.Add(time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("FROM approval_requests").
		WithArgs(a.ID).
		WillReturnRows(approvalMockRows(a))
	mock.ExpectRollback()

	boom := errors.New("expired")
	err := store.UpdateApprovalLocked(context.Background(), a.ID, func(*storage.Approval) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWorkflowNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()
	mock.ExpectQuery("FROM workflows").
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetWorkflow(context.Background(), id)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversationDecodesMessages(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	messages := `[{"role":"user","content":"deploy v2","timestamp":"` + now.Format(time.RFC3339) + `"}]`

	mock.ExpectQuery("FROM conversations").
		WithArgs("C1:U1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "channel", "messages", "workflow_id", "approval_id", "state", "updated_at",
		}).AddRow("C1:U1", "U1", "C1", []byte(messages), nil, nil, "", now))

	c, err := store.GetConversation(context.Background(), "C1:U1")
	require.NoError(t, err)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, "user", c.Messages[0].Role)
	assert.Equal(t, "deploy v2", c.Messages[0].Content)
	require.NoError(t, mock.ExpectationsWereMet())
}
