package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signoff-io/signoff/storage"
)

// capturePublisher records published events without a running bus.
type capturePublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

type capturedEvent struct {
	Type    string
	Payload map[string]any
}

func (p *capturePublisher) Publish(_ context.Context, eventType string, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{Type: eventType, Payload: payload})
	return nil
}

func (p *capturePublisher) typesSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

// fakeRequester creates approval rows directly, standing in for the
// approval service.
type fakeRequester struct {
	store storage.Store
}

func (f *fakeRequester) Request(ctx context.Context, workflowID uuid.UUID, uiSchema json.RawMessage, timeout time.Duration) (*storage.Approval, error) {
	now := time.Now().UTC()
	a := &storage.Approval{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		Status:        storage.ApprovalPending,
		UISchema:      uiSchema,
		RequestedAt:   now,
		ExpiresAt:     now.Add(timeout),
		CallbackToken: "test-token-" + uuid.NewString(),
	}
	if err := f.store.CreateApproval(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func newTestEngine(t *testing.T) (*Engine, *storage.MemoryStore, *Registry, *capturePublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	pub := &capturePublisher{}
	reg := NewRegistry()
	cfg := Config{
		MaxRetries:             3,
		MaxRollbacks:           3,
		DefaultApprovalTimeout: time.Hour,
		Backoff: BackoffConfig{
			InitialWait: time.Second,
			Multiplier:  2.0,
			MaxWait:     60 * time.Second,
		},
	}
	eng := NewEngine(store, pub, reg, &fakeRequester{store: store}, cfg, slog.Default())
	return eng, store, reg, pub
}

func pendingApproval(t *testing.T, store storage.Store, workflowID uuid.UUID) *storage.Approval {
	t.Helper()
	pending, err := store.PendingApprovalsByWorkflow(context.Background(), workflowID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestMultiStepHappyPath(t *testing.T) {
	eng, store, reg, pub := newTestEngine(t)
	ctx := context.Background()

	var ran []string
	reg.RegisterTask("provision", func(_ context.Context, in TaskInput) (json.RawMessage, error) {
		ran = append(ran, "provision")
		return json.RawMessage(`{"host":"db-1"}`), nil
	})
	reg.RegisterTask("announce", func(_ context.Context, in TaskInput) (json.RawMessage, error) {
		ran = append(ran, "announce")
		return json.RawMessage(`{"posted":true}`), nil
	})

	w, err := eng.Create(ctx, CreateRequest{
		Type: "provision_database",
		Steps: []StepSpec{
			{Type: storage.StepTypeTask, TaskHandler: "provision"},
			{Type: storage.StepTypeApproval, TaskInput: json.RawMessage(`{"ui_schema":{"title":"Approve?"},"timeout_seconds":600}`)},
			{Type: storage.StepTypeTask, TaskHandler: "announce"},
		},
	})
	require.NoError(t, err)

	// Suspended on the approval step: workflow stays RUNNING, the pending
	// approval row carries the suspension.
	assert.Equal(t, storage.StateRunning, w.State)
	assert.Equal(t, []string{"provision"}, ran)

	a := pendingApproval(t, store, w.ID)
	assert.JSONEq(t, `{"title":"Approve?"}`, string(a.UISchema))
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), a.ExpiresAt, 5*time.Second)

	step, err := store.StepByApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, step.StepOrder)
	assert.Equal(t, storage.StepStatusRunning, step.Status)

	require.NoError(t, eng.HandleApprovalResponse(ctx, a.ID, "approve", json.RawMessage(`{"decision":"approve"}`)))

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, w.State)
	assert.Equal(t, []string{"provision", "announce"}, ran)

	steps, err := store.StepsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, storage.StepStatusCompleted, s.Status)
	}

	types := pub.typesSeen()
	assert.Contains(t, types, "workflow.started")
	assert.Contains(t, types, "workflow.completed")
	assert.Contains(t, types, "step.completed")
}

func TestEventSequenceIsGapFree(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("noop", func(context.Context, TaskInput) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	w, err := eng.Create(ctx, CreateRequest{
		Type: "audit_check",
		Steps: []StepSpec{
			{Type: storage.StepTypeTask, TaskHandler: "noop"},
			{Type: storage.StepTypeTask, TaskHandler: "noop"},
		},
	})
	require.NoError(t, err)

	events, err := store.EventsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.SequenceNumber)
	}
}

func TestRejectionCompensatesInReverseOrder(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("create_vm", func(context.Context, TaskInput) (json.RawMessage, error) {
		return json.RawMessage(`{"vm":"i-123"}`), nil
	})
	reg.RegisterTask("attach_disk", func(context.Context, TaskInput) (json.RawMessage, error) {
		return json.RawMessage(`{"disk":"d-456"}`), nil
	})

	var compensated []string
	reg.RegisterRollback("create_vm", func(_ context.Context, in RollbackInput) error {
		compensated = append(compensated, "create_vm")
		return nil
	})
	reg.RegisterRollback("attach_disk", func(_ context.Context, in RollbackInput) error {
		var out map[string]string
		require.NoError(t, json.Unmarshal(in.Output, &out))
		assert.Equal(t, "d-456", out["disk"])
		compensated = append(compensated, "attach_disk")
		return nil
	})

	w, err := eng.Create(ctx, CreateRequest{
		Type: "provision_vm",
		Steps: []StepSpec{
			{Type: storage.StepTypeTask, TaskHandler: "create_vm"},
			{Type: storage.StepTypeTask, TaskHandler: "attach_disk"},
			{Type: storage.StepTypeApproval, TaskInput: json.RawMessage(`{"title":"Go live?"}`)},
		},
	})
	require.NoError(t, err)

	a := pendingApproval(t, store, w.ID)
	require.NoError(t, eng.HandleApprovalResponse(ctx, a.ID, "reject", json.RawMessage(`{"decision":"reject"}`)))

	assert.Equal(t, []string{"attach_disk", "create_vm"}, compensated)

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRejected, w.State)

	step, err := store.StepByApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StepStatusFailed, step.Status)
}

func TestMissingRollbackHandlerIsSkipped(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("step_a", func(context.Context, TaskInput) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	// No rollback registered for step_a.

	w, err := eng.Create(ctx, CreateRequest{
		Type: "no_rollback",
		Steps: []StepSpec{
			{Type: storage.StepTypeTask, TaskHandler: "step_a"},
			{Type: storage.StepTypeApproval, TaskInput: json.RawMessage(`{}`)},
		},
	})
	require.NoError(t, err)

	a := pendingApproval(t, store, w.ID)
	require.NoError(t, eng.HandleApprovalResponse(ctx, a.ID, "reject", nil))

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRejected, w.State)
}

func TestHandlerFailureThenRetryResumesAtFailedStep(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	firstRuns := 0
	reg.RegisterTask("first", func(context.Context, TaskInput) (json.RawMessage, error) {
		firstRuns++
		return json.RawMessage(`{}`), nil
	})
	flakyRuns := 0
	reg.RegisterTask("flaky", func(context.Context, TaskInput) (json.RawMessage, error) {
		flakyRuns++
		if flakyRuns == 1 {
			return nil, errors.New("connection refused")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	w, err := eng.Create(ctx, CreateRequest{
		Type: "flaky_deploy",
		Steps: []StepSpec{
			{Type: storage.StepTypeTask, TaskHandler: "first"},
			{Type: storage.StepTypeTask, TaskHandler: "flaky"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, w.State)

	retried, err := eng.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, retried)

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, w.State)
	assert.Equal(t, 1, w.RetryCount)

	// Completed steps before the failure are not replayed.
	assert.Equal(t, 1, firstRuns)
	assert.Equal(t, 2, flakyRuns)
}

func TestRetryBudgetExhaustionMovesWorkflowToDLQ(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("always_fails", func(context.Context, TaskInput) (json.RawMessage, error) {
		return nil, errors.New("permanently broken")
	})

	w, err := eng.Create(ctx, CreateRequest{
		Type:  "doomed",
		Steps: []StepSpec{{Type: storage.StepTypeTask, TaskHandler: "always_fails"}},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, w.State)

	for i := 0; i < 3; i++ {
		retried, err := eng.RetryWorkflow(ctx, w.ID)
		require.NoError(t, err)
		assert.True(t, retried, "retry %d should consume budget", i+1)
	}

	retried, err := eng.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, retried)

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, w.State)
	assert.Equal(t, 3, w.RetryCount)

	entries, err := store.ListDLQ(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "workflow.failed", entries[0].OriginalEventType)
	require.NotNil(t, entries[0].WorkflowID)
	assert.Equal(t, w.ID, *entries[0].WorkflowID)

	var snapshot storage.Workflow
	require.NoError(t, json.Unmarshal(entries[0].EventData, &snapshot))
	assert.Equal(t, 3, snapshot.RetryCount)
}

func TestRetryOfNonRetryableStateIsNoop(t *testing.T) {
	eng, _, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("ok", func(context.Context, TaskInput) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	w, err := eng.Create(ctx, CreateRequest{
		Type:  "fine",
		Steps: []StepSpec{{Type: storage.StepTypeTask, TaskHandler: "ok"}},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, w.State)

	retried, err := eng.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, retried)
}

func TestSingleApprovalWorkflow(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	w, err := eng.Create(ctx, CreateRequest{
		Type:           "expense_approval",
		Context:        json.RawMessage(`{"amount":1200}`),
		ApprovalSchema: json.RawMessage(`{"title":"Approve expense"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StateWaitingApproval, w.State)

	schema, ok := ApprovalSchemaFromContext(w.Context)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"Approve expense"}`, string(schema))

	a := pendingApproval(t, store, w.ID)
	require.NoError(t, eng.HandleApprovalResponse(ctx, a.ID, "approve", nil))

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, w.State)
}

func TestSingleApprovalRejection(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	w, err := eng.Create(ctx, CreateRequest{
		Type:           "expense_approval",
		ApprovalSchema: json.RawMessage(`{"title":"Approve expense"}`),
	})
	require.NoError(t, err)

	a := pendingApproval(t, store, w.ID)
	require.NoError(t, eng.HandleApprovalResponse(ctx, a.ID, "reject", nil))

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRejected, w.State)
}

func TestMissingTaskHandlerIsSoftSkipped(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	w, err := eng.Create(ctx, CreateRequest{
		Type:  "legacy_definition",
		Steps: []StepSpec{{Type: storage.StepTypeTask, TaskHandler: "removed_handler"}},
	})
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, w.State)

	steps, err := store.StepsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, storage.StepStatusCompleted, steps[0].Status)

	var out map[string]string
	require.NoError(t, json.Unmarshal(steps[0].TaskOutput, &out))
	assert.Equal(t, "skipped", out["status"])
	assert.Equal(t, "handler_not_found", out["reason"])
}

func TestInvalidTransitionIsRejected(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	w, err := eng.Create(ctx, CreateRequest{Type: "bare"})
	require.NoError(t, err)
	assert.Equal(t, storage.StateCreated, w.State)

	err = eng.TransitionTo(ctx, w.ID, storage.StateCompleted, "shortcut")
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, storage.StateCreated, invalid.From)
	assert.Equal(t, storage.StateCompleted, invalid.To)
}

func TestRollbackWorkflowBudget(t *testing.T) {
	eng, store, reg, _ := newTestEngine(t)
	ctx := context.Background()

	reg.RegisterTask("breaks", func(context.Context, TaskInput) (json.RawMessage, error) {
		return nil, errors.New("nope")
	})
	w, err := eng.Create(ctx, CreateRequest{
		Type:  "rollbackable",
		Steps: []StepSpec{{Type: storage.StepTypeTask, TaskHandler: "breaks"}},
	})
	require.NoError(t, err)
	require.Equal(t, storage.StateFailed, w.State)

	require.NoError(t, eng.RollbackWorkflow(ctx, w.ID, storage.StateRunning, "operator reset", "alice"))

	w, err = store.GetWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StateRunning, w.State)
	require.NotNil(t, w.PreviousState)
	assert.Equal(t, storage.StateFailed, *w.PreviousState)
	assert.Equal(t, "operator reset", w.RollbackReason)
	assert.Equal(t, 1, w.RollbackCount)

	// Burn the remaining budget.
	require.NoError(t, eng.TransitionTo(ctx, w.ID, storage.StateFailed, "failed again"))
	require.NoError(t, eng.RollbackWorkflow(ctx, w.ID, storage.StateRunning, "again", "alice"))
	require.NoError(t, eng.TransitionTo(ctx, w.ID, storage.StateFailed, "failed again"))
	require.NoError(t, eng.RollbackWorkflow(ctx, w.ID, storage.StateRunning, "again", "alice"))
	require.NoError(t, eng.TransitionTo(ctx, w.ID, storage.StateFailed, "failed again"))

	err = eng.RollbackWorkflow(ctx, w.ID, storage.StateRunning, "one too many", "alice")
	assert.ErrorIs(t, err, ErrRollbackBudgetExhausted)
}

func TestBackoffDelayCapsAtMax(t *testing.T) {
	eng, _, _, _ := newTestEngine(t)

	assert.Equal(t, time.Second, eng.backoffDelay(0))
	assert.Equal(t, 2*time.Second, eng.backoffDelay(1))
	assert.Equal(t, 4*time.Second, eng.backoffDelay(2))
	assert.Equal(t, 60*time.Second, eng.backoffDelay(10))
}

func TestRetryCancelsStalePendingApprovals(t *testing.T) {
	eng, store, _, pub := newTestEngine(t)
	ctx := context.Background()

	w, err := eng.Create(ctx, CreateRequest{
		Type:           "stale_approval",
		ApprovalSchema: json.RawMessage(`{"title":"Old"}`),
	})
	require.NoError(t, err)
	a := pendingApproval(t, store, w.ID)

	// Simulate the sweeper: approval timed out, workflow in TIMEOUT.
	require.NoError(t, store.UpdateApprovalLocked(ctx, a.ID, func(ap *storage.Approval) error {
		ap.Status = storage.ApprovalTimeout
		return nil
	}))
	require.NoError(t, eng.TransitionTo(ctx, w.ID, storage.StateTimeout, "approval timed out"))

	// A second pending approval left behind must be cancelled by retry.
	leftover := &storage.Approval{
		ID:          uuid.New(),
		WorkflowID:  w.ID,
		Status:      storage.ApprovalPending,
		RequestedAt: time.Now().UTC(),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.CreateApproval(ctx, leftover))

	retried, err := eng.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, retried)

	got, err := store.GetApproval(ctx, leftover.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalCancelled, got.Status)
	require.NotNil(t, got.RespondedAt)

	assert.Contains(t, pub.typesSeen(), "approval.retry")
	assert.Contains(t, pub.typesSeen(), "approval.cancelled")
}
