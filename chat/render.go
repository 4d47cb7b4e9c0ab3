package chat

import (
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"github.com/signoff-io/signoff/approval"
	"github.com/signoff-io/signoff/storage"
)

// Action IDs the interactive webhook dispatches on.
const (
	ActionApprove = "signoff_approve"
	ActionReject  = "signoff_reject"
)

// ApprovalBlocks renders the Block Kit prompt for a pending approval.
// Button values carry "callback_token:decision" so the webhook can route
// the click without any session lookup.
func ApprovalBlocks(a *storage.Approval) ([]slack.Block, string, error) {
	schema, err := approval.ParseSchema(a.UISchema)
	if err != nil {
		return nil, "", err
	}

	title := schema.Title
	if title == "" {
		title = "Approval required"
	}

	blocks := []slack.Block{
		slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, title, false, false)),
	}
	if schema.Description != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, schema.Description, false, false), nil, nil))
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("Expires <!date^%d^{date_short_pretty} {time}|%s>",
				a.ExpiresAt.Unix(), a.ExpiresAt.Format(time.RFC3339)), false, false)))

	approveBtn := slack.NewButtonBlockElement(ActionApprove,
		a.CallbackToken+":"+approval.DecisionApprove,
		slack.NewTextBlockObject(slack.PlainTextType, buttonLabel(schema, approval.DecisionApprove, "Approve"), false, false))
	approveBtn.Style = slack.StylePrimary
	rejectBtn := slack.NewButtonBlockElement(ActionReject,
		a.CallbackToken+":"+approval.DecisionReject,
		slack.NewTextBlockObject(slack.PlainTextType, buttonLabel(schema, approval.DecisionReject, "Reject"), false, false))
	rejectBtn.Style = slack.StyleDanger

	blocks = append(blocks, slack.NewActionBlock("approval_actions", approveBtn, rejectBtn))
	return blocks, title, nil
}

func buttonLabel(s *approval.Schema, decision, fallback string) string {
	for _, b := range s.Buttons {
		if b.Value == decision && b.Label != "" {
			return b.Label
		}
	}
	return fallback
}

// resolutionBlocks renders the replacement message after the approval
// left PENDING.
func resolutionBlocks(a *storage.Approval) ([]slack.Block, string) {
	var text string
	switch a.Status {
	case storage.ApprovalApproved:
		text = ":white_check_mark: Approved"
	case storage.ApprovalRejected:
		text = ":x: Rejected"
	case storage.ApprovalTimeout:
		text = ":hourglass: Timed out without a response"
	case storage.ApprovalCancelled:
		text = ":no_entry_sign: Cancelled"
	default:
		text = "Pending"
	}
	if a.RespondedAt != nil {
		text += fmt.Sprintf(" at %s", a.RespondedAt.Format(time.RFC3339))
	}
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil),
	}
	return blocks, text
}

// ModalView builds the input form for schemas that declare fields. The
// callback_id carries "callback_token:decision"; field values come back
// keyed by block id in the view submission state.
func ModalView(a *storage.Approval, decision string) (slack.ModalViewRequest, error) {
	schema, err := approval.ParseSchema(a.UISchema)
	if err != nil {
		return slack.ModalViewRequest{}, err
	}

	title := schema.Title
	if title == "" {
		title = "Approval"
	}
	// Slack caps modal titles at 24 characters.
	if len(title) > 24 {
		title = title[:21] + "..."
	}

	var blocks []slack.Block
	if schema.Description != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, schema.Description, false, false), nil, nil))
	}
	for _, f := range schema.Fields {
		if f.Type == approval.FieldHidden {
			continue
		}
		el := fieldElement(f)
		if el == nil {
			continue
		}
		label := f.Label
		if label == "" {
			label = f.Name
		}
		input := slack.NewInputBlock(f.Name,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false), nil, el)
		input.Optional = !f.Required
		blocks = append(blocks, input)
	}

	return slack.ModalViewRequest{
		Type:       slack.VTModal,
		CallbackID: a.CallbackToken + ":" + decision,
		Title:      slack.NewTextBlockObject(slack.PlainTextType, title, false, false),
		Submit:     slack.NewTextBlockObject(slack.PlainTextType, "Submit", false, false),
		Close:      slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Blocks:     slack.Blocks{BlockSet: blocks},
	}, nil
}

// fieldElement maps a schema field to its Block Kit input element. Field
// types without a chat rendering fall back to plain text input.
func fieldElement(f approval.Field) slack.BlockElement {
	actionID := f.Name

	switch f.Type {
	case approval.FieldTextarea:
		el := slack.NewPlainTextInputBlockElement(placeholder(f), actionID)
		el.Multiline = true
		return el
	case approval.FieldSelect:
		return slack.NewOptionsSelectBlockElement(slack.OptTypeStatic, placeholder(f), actionID, optionObjects(f)...)
	case approval.FieldMultiselect:
		return slack.NewOptionsMultiSelectBlockElement(slack.MultiOptTypeStatic, placeholder(f), actionID, optionObjects(f)...)
	case approval.FieldCheckbox:
		return slack.NewCheckboxGroupsBlockElement(actionID, optionObjects(f)...)
	case approval.FieldRadio:
		return slack.NewRadioButtonsBlockElement(actionID, optionObjects(f)...)
	case approval.FieldDate:
		return slack.NewDatePickerBlockElement(actionID)
	case approval.FieldDatetime:
		return slack.NewDateTimePickerBlockElement(actionID)
	default:
		return slack.NewPlainTextInputBlockElement(placeholder(f), actionID)
	}
}

func placeholder(f approval.Field) *slack.TextBlockObject {
	if f.Placeholder == "" {
		return nil
	}
	return slack.NewTextBlockObject(slack.PlainTextType, f.Placeholder, false, false)
}

func optionObjects(f approval.Field) []*slack.OptionBlockObject {
	out := make([]*slack.OptionBlockObject, len(f.Options))
	for i, o := range f.Options {
		label := o.Label
		if label == "" {
			label = o.Value
		}
		out[i] = slack.NewOptionBlockObject(o.Value,
			slack.NewTextBlockObject(slack.PlainTextType, label, false, false), nil)
	}
	return out
}
