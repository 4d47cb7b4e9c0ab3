package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

// historyLimit caps how many prior turns are replayed to the model.
const historyLimit = 20

const systemPrompt = `You are the assistant of a workflow approval system.
Translate the user's message into exactly one JSON command and output only
the JSON, no prose. Commands:
{"action":"create_workflow","workflow_type":"<type>","context":{...}}
{"action":"respond_approval","approval_id":"<uuid>","decision":"approve|reject","response_data":{...}}
{"action":"get_status","workflow_id":"<uuid>"}
{"action":"reply","message":"<text for the user>"}
Use "reply" when the request is unclear or conversational.`

// completer is the slice of the OpenAI client the agent uses.
type completer interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Workflows is the slice of the engine the agent drives.
type Workflows interface {
	Create(ctx context.Context, req workflow.CreateRequest) (*storage.Workflow, error)
}

// Approvals is the slice of the approval service the agent drives.
type Approvals interface {
	Respond(ctx context.Context, approvalID uuid.UUID, decision string, responseData json.RawMessage) (*storage.Approval, error)
}

// ConversationalConfig holds LLM settings.
type ConversationalConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// Conversational translates free-text chat messages into orchestrator
// calls and keeps per-conversation history. The model only picks the
// command; every effect goes through the same engine and approval APIs
// as the REST surface.
type Conversational struct {
	client    completer
	workflows Workflows
	approvals Approvals
	store     storage.Store
	model     string
	logger    *slog.Logger
}

// NewConversational creates the LLM-backed agent. Returns nil when no API
// key is configured; callers skip registration in that case.
func NewConversational(cfg ConversationalConfig, workflows Workflows, approvals Approvals, store storage.Store, logger *slog.Logger) *Conversational {
	if cfg.APIKey == "" {
		return nil
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Conversational{
		client:    openai.NewClient(cfg.APIKey),
		workflows: workflows,
		approvals: approvals,
		store:     store,
		model:     cfg.Model,
		logger:    logger,
	}
}

// Name implements Agent.
func (c *Conversational) Name() string { return "conversational" }

// Capabilities implements Agent.
func (c *Conversational) Capabilities() []string {
	return []string{"create_workflow", "respond_approval", "get_status"}
}

// ExecuteTask implements Agent. Task input is treated as a user message.
func (c *Conversational) ExecuteTask(ctx context.Context, req TaskRequest) (json.RawMessage, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(req.Input, &in); err != nil || in.Text == "" {
		return nil, errors.New("conversational task input requires a text field")
	}
	reply, err := c.HandleMessage(ctx, req.WorkflowID.String(), "system", "task", in.Text)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"reply": reply})
}

// HandleApprovalResponse implements Agent. The conversational agent only
// annotates the linked conversation.
func (c *Conversational) HandleApprovalResponse(ctx context.Context, n ApprovalNotice) error {
	conv, err := c.store.GetConversation(ctx, n.WorkflowID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, storage.ConversationMessage{
		Role:      "system",
		Content:   fmt.Sprintf("approval %s: %s", n.ApprovalID, n.Decision),
		Timestamp: time.Now().UTC(),
	})
	conv.ApprovalID = &n.ApprovalID
	conv.State = "approval_" + n.Decision + "d"
	return c.store.PutConversation(ctx, conv)
}

// HandleMessage processes one user turn: the model chooses a command, the
// agent executes it, and both sides of the exchange are appended to the
// conversation history.
func (c *Conversational) HandleMessage(ctx context.Context, conversationID, userID, channel, text string) (string, error) {
	conv, err := c.loadConversation(ctx, conversationID, userID, channel)
	if err != nil {
		return "", err
	}
	conv.Messages = append(conv.Messages, storage.ConversationMessage{
		Role:      "user",
		Content:   text,
		Timestamp: time.Now().UTC(),
	})

	cmd, err := c.chooseCommand(ctx, conv)
	if err != nil {
		return "", err
	}

	reply, err := c.execute(ctx, conv, cmd)
	if err != nil {
		return "", err
	}

	conv.Messages = append(conv.Messages, storage.ConversationMessage{
		Role:      "assistant",
		Content:   reply,
		Timestamp: time.Now().UTC(),
	})
	conv.UpdatedAt = time.Now().UTC()
	if err := c.store.PutConversation(ctx, conv); err != nil {
		return "", fmt.Errorf("persist conversation: %w", err)
	}
	return reply, nil
}

func (c *Conversational) loadConversation(ctx context.Context, id, userID, channel string) (*storage.Conversation, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.Conversation{
			ID:      id,
			UserID:  userID,
			Channel: channel,
			State:   "active",
		}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// command is the tagged shape the model must produce.
type command struct {
	Action       string          `json:"action"`
	WorkflowType string          `json:"workflow_type,omitempty"`
	Context      json.RawMessage `json:"context,omitempty"`
	ApprovalID   string          `json:"approval_id,omitempty"`
	WorkflowID   string          `json:"workflow_id,omitempty"`
	Decision     string          `json:"decision,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func (c *Conversational) chooseCommand(ctx context.Context, conv *storage.Conversation) (*command, error) {
	msgs := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	}}
	history := conv.Messages
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("chat completion returned no choices")
	}

	raw := strings.TrimSpace(resp.Choices[0].Message.Content)
	cmd := &command{}
	if err := json.Unmarshal([]byte(raw), cmd); err != nil {
		// Models occasionally answer in prose despite the format hint.
		return &command{Action: "reply", Message: raw}, nil
	}
	return cmd, nil
}

func (c *Conversational) execute(ctx context.Context, conv *storage.Conversation, cmd *command) (string, error) {
	switch cmd.Action {
	case "create_workflow":
		if cmd.WorkflowType == "" {
			return "I need a workflow type to start one.", nil
		}
		w, err := c.workflows.Create(ctx, workflow.CreateRequest{
			Type:    cmd.WorkflowType,
			Context: cmd.Context,
		})
		if err != nil {
			return "", fmt.Errorf("create workflow: %w", err)
		}
		conv.WorkflowID = &w.ID
		return fmt.Sprintf("Started workflow %s (%s), state %s.", w.ID, w.Type, w.State), nil

	case "respond_approval":
		id, err := uuid.Parse(cmd.ApprovalID)
		if err != nil {
			return "I couldn't identify which approval you mean.", nil
		}
		a, err := c.approvals.Respond(ctx, id, cmd.Decision, cmd.ResponseData)
		if err != nil {
			if errors.Is(err, approval.ErrAlreadyProcessed) {
				return "That approval was already decided.", nil
			}
			if errors.Is(err, approval.ErrExpired) {
				return "That approval has expired.", nil
			}
			return "", err
		}
		conv.ApprovalID = &a.ID
		return fmt.Sprintf("Recorded %s on approval %s.", cmd.Decision, a.ID), nil

	case "get_status":
		id, err := uuid.Parse(cmd.WorkflowID)
		if err != nil {
			return "I couldn't identify which workflow you mean.", nil
		}
		w, err := c.store.GetWorkflow(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Sprintf("No workflow with id %s.", id), nil
		}
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Workflow %s is %s (retries %d/%d).", w.ID, w.State, w.RetryCount, w.MaxRetries), nil

	case "reply":
		if cmd.Message == "" {
			return "How can I help with your workflows?", nil
		}
		return cmd.Message, nil

	default:
		c.logger.Warn("model produced unknown action", "action", cmd.Action)
		return "I didn't understand that request.", nil
	}
}
