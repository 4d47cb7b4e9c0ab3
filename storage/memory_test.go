package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflow(t *testing.T, store *MemoryStore) *Workflow {
	t.Helper()
	w := &Workflow{
		ID:         uuid.New(),
		Type:       "deploy",
		State:      StateCreated,
		Version:    1,
		MaxRetries: 3,
	}
	require.NoError(t, store.CreateWorkflow(context.Background(), w))
	return w
}

func TestUpdateWorkflowCASConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(t, store)

	w.State = StateRunning
	require.NoError(t, store.UpdateWorkflowCAS(ctx, w, 1))
	assert.Equal(t, int64(2), w.Version)

	// A writer holding the old version must lose.
	stale := *w
	stale.State = StateFailed
	err := store.UpdateWorkflowCAS(ctx, &stale, 1)
	assert.ErrorIs(t, err, ErrVersionConflict)

	got, err := store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateWorkflowCASConcurrentWriters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(t, store)

	// Both writers read version 1; exactly one may win.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wf := *w
			wf.State = StateRunning
			results[i] = store.UpdateWorkflowCAS(ctx, &wf, 1)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrVersionConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestUpdateApprovalLockedAbortDiscardsMutation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(t, store)

	a := &Approval{
		ID:          uuid.New(),
		WorkflowID:  w.ID,
		Status:      ApprovalPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.CreateApproval(ctx, a))

	boom := errors.New("expired")
	err := store.UpdateApprovalLocked(ctx, a.ID, func(row *Approval) error {
		row.Status = ApprovalApproved
		now := time.Now().UTC()
		row.RespondedAt = &now
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, ApprovalPending, got.Status)
	assert.Nil(t, got.RespondedAt)
}

func TestUpdateStepLockedAbortDiscardsMutation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(t, store)

	step := &WorkflowStep{
		ID:         uuid.New(),
		WorkflowID: w.ID,
		StepOrder:  0,
		Type:       StepTypeTask,
		Status:     StepStatusPending,
	}
	require.NoError(t, store.CreateSteps(ctx, []*WorkflowStep{step}))

	boom := errors.New("no")
	err := store.UpdateStepLocked(ctx, step.ID, func(row *WorkflowStep) error {
		row.Status = StepStatusCompleted
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := store.StepsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StepStatusPending, got[0].Status)
}

func TestAppendEventSequencesAreGapFree(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	w := newWorkflow(t, store)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e := &WorkflowEvent{
				WorkflowID: w.ID,
				EventType:  "state_changed",
				EventData:  json.RawMessage(`{}`),
			}
			assert.NoError(t, store.AppendEvent(ctx, e))
		}()
	}
	wg.Wait()

	events, err := store.EventsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, events, 20)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}
}

func TestAppendEventUnknownWorkflow(t *testing.T) {
	store := NewMemoryStore()
	err := store.AppendEvent(context.Background(), &WorkflowEvent{
		WorkflowID: uuid.New(),
		EventType:  "state_changed",
	})
	assert.ErrorIs(t, err, ErrNotFound)
}
