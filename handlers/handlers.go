// Package handlers wires the event bus to the engine, the approval
// service, the chat adapter, and registered agents. The engine is driven
// exclusively through these subscriptions; no component calls it
// synchronously on an approval decision.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/signoff-io/signoff/agent"
	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/chat"
	"github.com/signoff-io/signoff/eventbus"
	"github.com/signoff-io/signoff/storage"
	"github.com/signoff-io/signoff/workflow"
)

// Deps collects everything the bus handlers drive. Chat and Agents are
// optional.
type Deps struct {
	Store     storage.Store
	Engine    *workflow.Engine
	Approvals *approval.Service
	Chat      *chat.Notifier
	Agents    *agent.Router
	Logger    *slog.Logger

	// ApprovalTimeout is the deadline applied to approvals re-created on
	// the single-approval retry path.
	ApprovalTimeout time.Duration
}

// Wire registers all bus subscriptions.
func Wire(bus *eventbus.Bus, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.ApprovalTimeout <= 0 {
		d.ApprovalTimeout = time.Hour
	}
	h := &hub{d: d}

	bus.Subscribe(eventbus.EventApprovalReceived, h.onApprovalReceived)
	bus.Subscribe(eventbus.EventApprovalRetry, h.onApprovalRetry)

	bus.Subscribe(eventbus.EventApprovalRequested, h.onApprovalRequested)
	bus.Subscribe(eventbus.EventApprovalReceived, h.onApprovalSettled)
	bus.Subscribe(eventbus.EventApprovalTimeout, h.onApprovalSettled)
	bus.Subscribe(eventbus.EventApprovalCancelled, h.onApprovalSettled)

	bus.Subscribe(eventbus.EventWorkflowCompleted, h.onWorkflowEnded)
	bus.Subscribe(eventbus.EventWorkflowFailed, h.onWorkflowEnded)
}

type hub struct {
	d Deps
}

// onApprovalReceived advances the workflow after a committed decision and
// fans the notice out to registered agents.
func (h *hub) onApprovalReceived(ctx context.Context, evt eventbus.Event) error {
	approvalID, err := payloadUUID(evt.Payload, "approval_id")
	if err != nil {
		return err
	}
	decision, _ := evt.Payload["decision"].(string)
	responseData := payloadRaw(evt.Payload, "response_data")

	if err := h.d.Engine.HandleApprovalResponse(ctx, approvalID, decision, responseData); err != nil {
		return fmt.Errorf("advance workflow: %w", err)
	}

	if h.d.Agents != nil {
		wfID := evt.WorkflowID()
		for name := range h.d.Agents.Names() {
			a, ok := h.d.Agents.ByName(name)
			if !ok {
				continue
			}
			notice := agent.ApprovalNotice{
				ApprovalID:   approvalID,
				Decision:     decision,
				ResponseData: responseData,
			}
			if wfID != nil {
				notice.WorkflowID = *wfID
			}
			if aerr := a.HandleApprovalResponse(ctx, notice); aerr != nil {
				h.d.Logger.Warn("agent rejected approval notice",
					"agent", name, "approval_id", approvalID, "error", aerr)
			}
		}
	}
	return nil
}

// onApprovalRetry re-creates the approval of a retried single-approval
// workflow from the schema stashed in its context, then suspends it
// again.
func (h *hub) onApprovalRetry(ctx context.Context, evt eventbus.Event) error {
	wfID := evt.WorkflowID()
	if wfID == nil {
		return errors.New("approval.retry event without workflow_id")
	}

	w, err := h.d.Store.GetWorkflow(ctx, *wfID)
	if err != nil {
		return err
	}
	if w.State != storage.StateRunning {
		// A competing transition won; nothing to re-create.
		h.d.Logger.Info("skipping approval re-creation, workflow moved on",
			"workflow_id", w.ID, "state", w.State)
		return nil
	}

	schema, ok := workflow.ApprovalSchemaFromContext(w.Context)
	if !ok {
		return fmt.Errorf("workflow %s has no stashed approval schema", w.ID)
	}
	if _, err := h.d.Approvals.Request(ctx, w.ID, schema, h.d.ApprovalTimeout); err != nil {
		return fmt.Errorf("re-create approval: %w", err)
	}
	return h.d.Engine.TransitionTo(ctx, w.ID, storage.StateWaitingApproval, "approval re-created after retry")
}

// onApprovalRequested posts the prompt to chat and stores the message
// reference for later updates.
func (h *hub) onApprovalRequested(ctx context.Context, evt eventbus.Event) error {
	if h.d.Chat == nil || !h.d.Chat.Enabled() {
		return nil
	}
	approvalID, err := payloadUUID(evt.Payload, "approval_id")
	if err != nil {
		return err
	}
	a, err := h.d.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if a.Status != storage.ApprovalPending || a.ExternalMessageRef != "" {
		return nil
	}

	ref, err := h.d.Chat.PostApproval(ctx, a)
	if err != nil {
		if errors.Is(err, chat.ErrDisabled) {
			return nil
		}
		return err
	}
	return h.d.Store.UpdateApprovalLocked(ctx, approvalID, func(ap *storage.Approval) error {
		ap.ExternalMessageRef = ref
		return nil
	})
}

// onApprovalSettled refreshes the posted chat message once the approval
// left PENDING.
func (h *hub) onApprovalSettled(ctx context.Context, evt eventbus.Event) error {
	if h.d.Chat == nil || !h.d.Chat.Enabled() {
		return nil
	}
	approvalID, err := payloadUUID(evt.Payload, "approval_id")
	if err != nil {
		return err
	}
	a, err := h.d.Store.GetApproval(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := h.d.Chat.UpdateApproval(ctx, a); err != nil && !errors.Is(err, chat.ErrDisabled) {
		return err
	}
	return nil
}

// onWorkflowEnded annotates any conversation that created the workflow.
func (h *hub) onWorkflowEnded(ctx context.Context, evt eventbus.Event) error {
	wfID := evt.WorkflowID()
	if wfID == nil {
		return nil
	}
	conv, err := h.d.Store.GetConversation(ctx, wfID.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	conv.Messages = append(conv.Messages, storage.ConversationMessage{
		Role:      "system",
		Content:   fmt.Sprintf("workflow %s: %s", wfID, evt.Type),
		Timestamp: time.Now().UTC(),
	})
	conv.State = evt.Type
	conv.UpdatedAt = time.Now().UTC()
	return h.d.Store.PutConversation(ctx, conv)
}

func payloadUUID(payload map[string]any, key string) (uuid.UUID, error) {
	s, ok := payload[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("event payload missing %s", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("event payload %s: %w", key, err)
	}
	return id, nil
}

// payloadRaw normalizes a payload value back to raw JSON. In-process
// events carry the original Go value; events that round-tripped through
// the DLQ carry decoded maps.
func payloadRaw(payload map[string]any, key string) json.RawMessage {
	switch v := payload[key].(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return data
	}
}
