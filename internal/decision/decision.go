// Package decision validates the structured decision the reasoning model
// returns and produces correction prompts when it is malformed.
package decision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ledgerline/satori/internal/model"
	"github.com/ledgerline/satori/internal/tool"
)

// FieldError is one field-level violation.
type FieldError struct {
	Field   string
	Message string
}

// ValidationError aggregates all violations found in one decision payload.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		msgs[i] = f.Field + ": " + f.Message
	}
	return "invalid decision: " + strings.Join(msgs, "; ")
}

// Validator checks decisions against the expected shape and, when a tool is
// named, against that tool's registered input schema.
type Validator struct {
	registry *tool.Registry
}

// NewValidator creates a Validator consulting the given registry for tool
// input schemas.
func NewValidator(registry *tool.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate parses raw model output into a Decision or returns a
// *ValidationError describing every violation. Tool names not present in the
// registry pass here; they fail later at execution, where the failure is
// observable to the model.
func (v *Validator) Validate(raw []byte) (model.Decision, error) {
	payload := extractJSON(raw)

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return model.Decision{}, &ValidationError{Fields: []FieldError{
			{Field: "(root)", Message: "response is not a JSON object: " + err.Error()},
		}}
	}

	var verr ValidationError
	var d model.Decision

	d.Reasoning = requireString(fields, "reasoning", &verr)
	d.Action = requireString(fields, "action", &verr)
	d.Done = requireBool(fields, "done", &verr)
	d.NeedsHuman = requireBool(fields, "needs_human", &verr)

	if raw, ok := fields["tool_name"]; ok && !isNull(raw) {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			verr.Fields = append(verr.Fields, FieldError{"tool_name", "must be a string or null"})
		} else if name != "" {
			d.ToolName = &name
		}
	}
	if raw, ok := fields["tool_input"]; ok && !isNull(raw) {
		d.ToolInput = raw
	}
	if raw, ok := fields["human_message"]; ok && !isNull(raw) {
		var msg string
		if err := json.Unmarshal(raw, &msg); err != nil {
			verr.Fields = append(verr.Fields, FieldError{"human_message", "must be a string"})
		} else {
			d.HumanMessage = &msg
		}
	}

	if d.WantsTool() {
		if def, ok := v.registry.Get(*d.ToolName); ok && def.InputSchema != nil {
			input := d.ToolInput
			if input == nil {
				input = json.RawMessage(`{}`)
			}
			if err := tool.ValidateInput(def.InputSchema, input); err != nil {
				verr.Fields = append(verr.Fields, FieldError{"tool_input", err.Error()})
			}
		}
	}

	if len(verr.Fields) > 0 {
		return model.Decision{}, &verr
	}
	return d, nil
}

// CorrectionPrompt renders a validation failure as a prompt asking the model
// to re-emit the decision in the exact expected shape.
func CorrectionPrompt(err error) string {
	var b strings.Builder
	b.WriteString("Your previous response was not a valid decision. Problems found:\n")
	if verr, ok := err.(*ValidationError); ok {
		for _, f := range verr.Fields {
			fmt.Fprintf(&b, "- %s: %s\n", f.Field, f.Message)
		}
	} else {
		fmt.Fprintf(&b, "- %s\n", err.Error())
	}
	b.WriteString(`
Respond again with ONLY a JSON object of this exact shape:
{
  "reasoning": "why you chose this action",
  "action": "short description of the action",
  "tool_name": "tool to call, or null",
  "tool_input": { ... } or null,
  "done": false,
  "needs_human": false,
  "human_message": "optional message when needs_human is true"
}`)
	return b.String()
}

func requireString(fields map[string]json.RawMessage, key string, verr *ValidationError) string {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		verr.Fields = append(verr.Fields, FieldError{key, "required field is missing"})
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		verr.Fields = append(verr.Fields, FieldError{key, "must be a string"})
		return ""
	}
	return s
}

func requireBool(fields map[string]json.RawMessage, key string, verr *ValidationError) bool {
	raw, ok := fields[key]
	if !ok || isNull(raw) {
		verr.Fields = append(verr.Fields, FieldError{key, "required field is missing"})
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		verr.Fields = append(verr.Fields, FieldError{key, "must be a boolean"})
		return false
	}
	return b
}

func isNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}

// extractJSON strips code fences and surrounding prose, returning the
// outermost {...} object when one is present. Models occasionally wrap the
// JSON despite instructions.
func extractJSON(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		s = s[start : end+1]
	}
	return []byte(strings.TrimSpace(s))
}
