package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/eventbus"
	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

type wired struct {
	store *storage.MemoryStore
	bus   *eventbus.Bus
	eng   *workflow.Engine
	svc   *approval.Service
	reg   *workflow.Registry
}

func newWired(t *testing.T) *wired {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := eventbus.New(eventbus.Config{}, store, slog.Default(), nil)

	codec, err := signing.NewTokenCodec("test-secret")
	require.NoError(t, err)
	svc := approval.NewService(store, codec, bus, slog.Default())
	reg := workflow.NewRegistry()
	eng := workflow.NewEngine(store, bus, reg, svc, workflow.DefaultConfig(), slog.Default())
	svc.SetTransitioner(eng)

	Wire(bus, Deps{
		Store:           store,
		Engine:          eng,
		Approvals:       svc,
		Logger:          slog.Default(),
		ApprovalTimeout: time.Hour,
	})

	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop(time.Second) })
	return &wired{store: store, bus: bus, eng: eng, svc: svc, reg: reg}
}

func TestApprovalDecisionDrivesEngineThroughBus(t *testing.T) {
	f := newWired(t)
	ctx := context.Background()

	done := false
	f.reg.RegisterTask("finish", func(context.Context, workflow.TaskInput) (json.RawMessage, error) {
		done = true
		return json.RawMessage(`{}`), nil
	})

	w, err := f.eng.Create(ctx, workflow.CreateRequest{
		Type: "deploy",
		Steps: []workflow.StepSpec{
			{Type: storage.StepTypeApproval, TaskInput: json.RawMessage(`{"ui_schema":{"title":"Go?"},"timeout_seconds":3600}`)},
			{Type: storage.StepTypeTask, TaskHandler: "finish"},
		},
	})
	require.NoError(t, err)

	pending, err := f.store.PendingApprovalsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// The decision is committed by the service; the engine only moves via
	// the bus.
	_, err = f.svc.Respond(ctx, pending[0].ID, approval.DecisionApprove, json.RawMessage(`{"comments":"lgtm"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.store.GetWorkflow(ctx, w.ID)
		return err == nil && got.State == storage.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, done)
}

func TestApprovalRetryRecreatesSingleApproval(t *testing.T) {
	f := newWired(t)
	ctx := context.Background()

	w, err := f.eng.Create(ctx, workflow.CreateRequest{
		Type:            "expense",
		ApprovalSchema:  json.RawMessage(`{"title":"Approve expense"}`),
		ApprovalTimeout: time.Hour,
	})
	require.NoError(t, err)

	first, err := f.store.PendingApprovalsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Emulate the sweeper's timeout handling.
	marked, err := f.svc.MarkTimeout(ctx, first[0].ID)
	require.NoError(t, err)
	require.True(t, marked)
	require.NoError(t, f.eng.TransitionTo(ctx, w.ID, storage.StateTimeout, "approval timed out"))

	retried, err := f.eng.RetryWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.True(t, retried)

	// The bus handler re-creates the approval and re-suspends the workflow.
	require.Eventually(t, func() bool {
		got, err := f.store.GetWorkflow(ctx, w.ID)
		return err == nil && got.State == storage.StateWaitingApproval
	}, 2*time.Second, 10*time.Millisecond)

	fresh, err := f.store.PendingApprovalsByWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, fresh, 1)
	assert.NotEqual(t, first[0].ID, fresh[0].ID)

	// Second cycle succeeds.
	_, err = f.svc.Respond(ctx, fresh[0].ID, approval.DecisionApprove, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := f.store.GetWorkflow(ctx, w.ID)
		return err == nil && got.State == storage.StateCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkflowEndAnnotatesConversation(t *testing.T) {
	f := newWired(t)
	ctx := context.Background()

	w, err := f.eng.Create(ctx, workflow.CreateRequest{Type: "tracked"})
	require.NoError(t, err)
	require.NoError(t, f.store.PutConversation(ctx, &storage.Conversation{
		ID:      w.ID.String(),
		UserID:  "U1",
		Channel: "slack",
		State:   "active",
	}))

	require.NoError(t, f.bus.Publish(ctx, eventbus.EventWorkflowCompleted,
		map[string]any{"workflow_id": w.ID.String()}))

	require.Eventually(t, func() bool {
		conv, err := f.store.GetConversation(ctx, w.ID.String())
		return err == nil && conv.State == eventbus.EventWorkflowCompleted && len(conv.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
