package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/slack-go/slack"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/chat"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// handleSlackInteractive ingests button clicks and modal submissions.
// The signature is verified against the raw body before any parsing.
func (s *Server) handleSlackInteractive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "cannot read body", Code: "validation_error"})
		return
	}

	if err := s.verifier.Verify(
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
	); err != nil {
		s.writeError(w, err)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed form body", Code: "validation_error"})
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed interaction payload", Code: "validation_error"})
		return
	}

	switch cb.Type {
	case slack.InteractionTypeBlockActions:
		s.handleSlackButton(w, r, &cb)
	case slack.InteractionTypeViewSubmission:
		s.handleSlackModalSubmit(w, r, &cb)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// handleSlackButton completes the approval immediately, or opens the
// input modal when the schema declares fields.
func (s *Server) handleSlackButton(w http.ResponseWriter, r *http.Request, cb *slack.InteractionCallback) {
	if len(cb.ActionCallback.BlockActions) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	token, decision, ok := splitTokenDecision(cb.ActionCallback.BlockActions[0].Value)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed action value", Code: "validation_error"})
		return
	}

	a, err := s.approvals.ApprovalByToken(r.Context(), token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	schema, err := approval.ParseSchema(a.UISchema)
	if err == nil && schema.RequiresInput() && s.chat != nil && s.chat.Enabled() {
		if err := s.chat.OpenModal(r.Context(), cb.TriggerID, a, decision); err != nil && !errors.Is(err, chat.ErrDisabled) {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := s.approvals.Respond(r.Context(), a.ID, decision, nil); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSlackModalSubmit records the decision with the submitted field
// values. Validation failures are surfaced inline in the modal.
func (s *Server) handleSlackModalSubmit(w http.ResponseWriter, r *http.Request, cb *slack.InteractionCallback) {
	token, decision, ok := splitTokenDecision(cb.View.CallbackID)
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "malformed callback_id", Code: "validation_error"})
		return
	}

	values := map[string]any{}
	if cb.View.State != nil {
		for _, actions := range cb.View.State.Values {
			for fieldName, act := range actions {
				values[fieldName] = blockActionValue(act)
			}
		}
	}
	responseData, err := json.Marshal(values)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if _, err := s.approvals.RespondByToken(r.Context(), token, decision, responseData); err != nil {
		var verr *approval.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusOK, map[string]any{
				"response_action": "errors",
				"errors":          map[string]string{verr.Field: verr.Reason},
			})
			return
		}
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// splitTokenDecision splits "uuid:nonce:hmac:decision" on the final
// colon; the token itself contains colons.
func splitTokenDecision(value string) (token, decision string, ok bool) {
	idx := strings.LastIndex(value, ":")
	if idx <= 0 || idx == len(value)-1 {
		return "", "", false
	}
	token, decision = value[:idx], value[idx+1:]
	if decision != approval.DecisionApprove && decision != approval.DecisionReject {
		return "", "", false
	}
	return token, decision, true
}

// blockActionValue extracts the submitted value of one Block Kit input.
func blockActionValue(act slack.BlockAction) any {
	switch {
	case act.SelectedOption.Value != "":
		return act.SelectedOption.Value
	case len(act.SelectedOptions) > 0:
		vals := make([]string, len(act.SelectedOptions))
		for i, o := range act.SelectedOptions {
			vals[i] = o.Value
		}
		return vals
	case act.SelectedDate != "":
		return act.SelectedDate
	case act.SelectedTime != "":
		return act.SelectedTime
	default:
		return act.Value
	}
}
