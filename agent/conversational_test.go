package agent

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/signing"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

type scriptedCompleter struct {
	replies []string
	seen    []openai.ChatCompletionRequest
}

func (s *scriptedCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.seen = append(s.seen, req)
	reply := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: reply}},
		},
	}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, map[string]any) error { return nil }

func newConversationalFixture(t *testing.T, replies ...string) (*Conversational, *storage.MemoryStore, *scriptedCompleter) {
	t.Helper()
	store := storage.NewMemoryStore()
	codec, err := signing.NewTokenCodec("test-secret")
	require.NoError(t, err)
	svc := approval.NewService(store, codec, nopPublisher{}, slog.Default())
	eng := workflow.NewEngine(store, nopPublisher{}, workflow.NewRegistry(), svc, workflow.DefaultConfig(), slog.Default())
	svc.SetTransitioner(eng)

	completer := &scriptedCompleter{replies: replies}
	c := &Conversational{
		client:    completer,
		workflows: eng,
		approvals: svc,
		store:     store,
		model:     openai.GPT4oMini,
		logger:    slog.Default(),
	}
	return c, store, completer
}

func TestHandleMessageCreatesWorkflow(t *testing.T) {
	c, store, completer := newConversationalFixture(t,
		`{"action":"create_workflow","workflow_type":"expense_report","context":{"amount":300}}`)
	ctx := context.Background()

	reply, err := c.HandleMessage(ctx, "conv-1", "U123", "slack", "file an expense report for $300")
	require.NoError(t, err)
	assert.Contains(t, reply, "expense_report")

	conv, err := store.GetConversation(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, conv.WorkflowID)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "user", conv.Messages[0].Role)
	assert.Equal(t, "assistant", conv.Messages[1].Role)

	w, err := store.GetWorkflow(ctx, *conv.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "expense_report", w.Type)

	// The system prompt plus the user turn reached the model.
	require.Len(t, completer.seen, 1)
	msgs := completer.seen[0].Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
}

func TestHandleMessageRespondsToApproval(t *testing.T) {
	c, store, _ := newConversationalFixture(t)
	ctx := context.Background()

	// Seed a pending approval through the real service.
	a, err := c.approvals.(*approval.Service).Request(ctx, uuid.New(), nil, time.Hour)
	require.NoError(t, err)

	c.client = &scriptedCompleter{replies: []string{
		`{"action":"respond_approval","approval_id":"` + a.ID.String() + `","decision":"approve"}`,
	}}
	reply, err := c.HandleMessage(ctx, "conv-2", "U123", "slack", "approve it")
	require.NoError(t, err)
	assert.Contains(t, reply, "approve")

	got, err := store.GetApproval(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.ApprovalApproved, got.Status)
}

func TestHandleMessageAlreadyDecidedApprovalIsConversational(t *testing.T) {
	c, _, _ := newConversationalFixture(t)
	ctx := context.Background()

	a, err := c.approvals.(*approval.Service).Request(ctx, uuid.New(), nil, time.Hour)
	require.NoError(t, err)
	_, err = c.approvals.Respond(ctx, a.ID, approval.DecisionReject, nil)
	require.NoError(t, err)

	c.client = &scriptedCompleter{replies: []string{
		`{"action":"respond_approval","approval_id":"` + a.ID.String() + `","decision":"approve"}`,
	}}
	reply, err := c.HandleMessage(ctx, "conv-3", "U123", "slack", "approve it")
	require.NoError(t, err)
	assert.Contains(t, reply, "already decided")
}

func TestHandleMessageProseFallback(t *testing.T) {
	c, _, _ := newConversationalFixture(t, `Sure, which workflow do you mean?`)

	reply, err := c.HandleMessage(context.Background(), "conv-4", "U123", "slack", "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "Sure, which workflow do you mean?", reply)
}

func TestHandleMessageStatusUnknownWorkflow(t *testing.T) {
	id := uuid.New()
	c, _, _ := newConversationalFixture(t,
		`{"action":"get_status","workflow_id":"`+id.String()+`"}`)

	reply, err := c.HandleMessage(context.Background(), "conv-5", "U123", "slack", "status?")
	require.NoError(t, err)
	assert.Contains(t, reply, "No workflow")
}

func TestHandleApprovalResponseAnnotatesConversation(t *testing.T) {
	c, store, _ := newConversationalFixture(t)
	ctx := context.Background()

	wfID := uuid.New()
	require.NoError(t, store.PutConversation(ctx, &storage.Conversation{
		ID:      wfID.String(),
		UserID:  "U123",
		Channel: "slack",
	}))

	n := ApprovalNotice{ApprovalID: uuid.New(), WorkflowID: wfID, Decision: "approve"}
	require.NoError(t, c.HandleApprovalResponse(ctx, n))

	conv, err := store.GetConversation(ctx, wfID.String())
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "approval_approved", conv.State)

	// Unknown conversations are ignored.
	require.NoError(t, c.HandleApprovalResponse(ctx, ApprovalNotice{WorkflowID: uuid.New()}))
}

func TestNewConversationalDisabledWithoutKey(t *testing.T) {
	assert.Nil(t, NewConversational(ConversationalConfig{}, nil, nil, nil, nil))
}
