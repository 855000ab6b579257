package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentDefinition is a configured agent instance. One definition maps to
// many executions; it is never hard-tied to a single run.
type AgentDefinition struct {
	ID        uuid.UUID      `json:"id"`
	OrgID     uuid.UUID      `json:"org_id"`
	Name      string         `json:"name"`
	TaskType  *string        `json:"task_type,omitempty"`
	ConfigRef *uuid.UUID     `json:"config_ref,omitempty"`
	Settings  map[string]any `json:"settings"`
	IsActive  bool           `json:"is_active"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// CustomInstructions returns the caller-supplied prompt addendum from the
// settings blob, or "" if none is set.
func (d AgentDefinition) CustomInstructions() string {
	if s, ok := d.Settings["custom_instructions"].(string); ok {
		return s
	}
	return ""
}

// ValidateAgentName checks that an agent name conforms to the allowed format.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("agent name is required")
	}
	if len(name) > 255 {
		return fmt.Errorf("agent name must be at most 255 characters")
	}
	return nil
}
