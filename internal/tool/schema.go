package tool

import (
	"encoding/json"
	"fmt"
)

// Schema helpers for building shallow JSON Schema objects.

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property with a description.
func StringProperty(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// NumberProperty creates a number property with a description.
func NumberProperty(description string) map[string]any {
	return map[string]any{"type": "number", "description": description}
}

// BooleanProperty creates a boolean property with a description.
func BooleanProperty(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// ArrayProperty creates an array property with the given item type.
func ArrayProperty(description string, itemType map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": itemType}
}

// ValidateInput checks a raw tool input against a shallow object schema:
// required fields must be present and declared property types must match.
// Undeclared fields pass through untouched.
func ValidateInput(schema map[string]any, raw json.RawMessage) error {
	if schema == nil {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("tool input is not a JSON object: %w", err)
	}

	for _, field := range requiredFields(schema) {
		if _, present := input[field]; !present {
			return fmt.Errorf("missing required field %q", field)
		}
	}

	props, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for field, value := range input {
		prop, ok := props[field].(map[string]any)
		if !ok {
			continue
		}
		declared, _ := prop["type"].(string)
		if declared == "" || value == nil {
			continue
		}
		if err := checkType(field, declared, value); err != nil {
			return err
		}
	}
	return nil
}

// requiredFields tolerates both []string (built in-process) and []any
// (schemas that round-tripped through JSON).
func requiredFields(schema map[string]any) []string {
	switch req := schema["required"].(type) {
	case []string:
		return req
	case []any:
		fields := make([]string, 0, len(req))
		for _, f := range req {
			if s, ok := f.(string); ok {
				fields = append(fields, s)
			}
		}
		return fields
	}
	return nil
}

func checkType(field, declared string, value any) error {
	var ok bool
	switch declared {
	case "string":
		_, ok = value.(string)
	case "number", "integer":
		_, ok = value.(float64)
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	default:
		return nil
	}
	if !ok {
		return fmt.Errorf("field %q must be of type %s", field, declared)
	}
	return nil
}
