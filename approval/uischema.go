package approval

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Field types accepted in a ui_schema. The chat adapter renders only a
// subset (text, textarea, select, multiselect, checkbox, radio, date,
// datetime); the rest pass through to web form renderers.
const (
	FieldText        = "text"
	FieldTextarea    = "textarea"
	FieldSelect      = "select"
	FieldMultiselect = "multiselect"
	FieldCheckbox    = "checkbox"
	FieldRadio       = "radio"
	FieldNumber      = "number"
	FieldEmail       = "email"
	FieldURL         = "url"
	FieldTel         = "tel"
	FieldDate        = "date"
	FieldDatetime    = "datetime"
	FieldTime        = "time"
	FieldFile        = "file"
	FieldColor       = "color"
	FieldRange       = "range"
	FieldPassword    = "password"
	FieldHidden      = "hidden"
)

// Option is one selectable value of a select, multiselect or radio field.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Field describes one input of an approval form.
type Field struct {
	Name        string   `json:"name"`
	Label       string   `json:"label,omitempty"`
	Type        string   `json:"type"`
	Required    bool     `json:"required,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

// Button describes one decision button of an approval form.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value"`
	Style string `json:"style,omitempty"`
}

// Schema is the declared shape of an approval form. Stored as opaque JSON
// on the approval row; parsed only at the validation and rendering
// boundaries.
type Schema struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Fields      []Field  `json:"fields,omitempty"`
	Buttons     []Button `json:"buttons,omitempty"`
}

// ParseSchema decodes a stored ui_schema. An empty blob yields an empty
// schema.
func ParseSchema(raw json.RawMessage) (*Schema, error) {
	s := &Schema{}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("parse ui_schema: %w", err)
	}
	return s, nil
}

// RequiresInput reports whether the schema declares visible input fields,
// which forces the chat adapter to open a modal instead of completing on
// the button click.
func (s *Schema) RequiresInput() bool {
	for _, f := range s.Fields {
		if f.Type != FieldHidden {
			return true
		}
	}
	return false
}

// ValidateResponse checks responseData against the schema: every required
// field must be present and non-empty, and values of option-carrying
// fields must appear in the declared option set. A failure is reported as
// a *ValidationError and must not mutate any state.
func ValidateResponse(schema, responseData json.RawMessage) error {
	s, err := ParseSchema(schema)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if len(s.Fields) == 0 {
		return nil
	}

	resp := map[string]any{}
	if len(responseData) > 0 {
		if err := json.Unmarshal(responseData, &resp); err != nil {
			return &ValidationError{Reason: "response_data is not a JSON object"}
		}
	}

	for _, f := range s.Fields {
		val, present := resp[f.Name]
		if f.Required && (!present || isEmptyValue(val)) {
			return &ValidationError{Field: f.Name, Reason: "required field missing"}
		}
		if !present || isEmptyValue(val) {
			continue
		}

		switch f.Type {
		case FieldSelect, FieldRadio:
			sv, ok := val.(string)
			if !ok || !optionAllowed(f.Options, sv) {
				return &ValidationError{Field: f.Name, Reason: "value not in options"}
			}
		case FieldMultiselect:
			items, ok := val.([]any)
			if !ok {
				return &ValidationError{Field: f.Name, Reason: "expected a list of values"}
			}
			for _, item := range items {
				sv, ok := item.(string)
				if !ok || !optionAllowed(f.Options, sv) {
					return &ValidationError{Field: f.Name, Reason: "value not in options"}
				}
			}
		}
	}
	return nil
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func optionAllowed(opts []Option, value string) bool {
	for _, o := range opts {
		if o.Value == value {
			return true
		}
	}
	return false
}
