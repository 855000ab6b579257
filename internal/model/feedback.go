package model

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackType classifies one human judgment on one recommendation.
type FeedbackType string

const (
	FeedbackApproval   FeedbackType = "approval"
	FeedbackCorrection FeedbackType = "correction"
	FeedbackRejection  FeedbackType = "rejection"
)

// AgentFeedback records one human judgment. Created only by the feedback
// loop and never mutated afterwards.
type AgentFeedback struct {
	ID             uuid.UUID    `json:"id"`
	OrgID          uuid.UUID    `json:"org_id"`
	AgentID        uuid.UUID    `json:"agent_id"`
	ExecutionID    uuid.UUID    `json:"execution_id"`
	Type           FeedbackType `json:"type"`
	OriginalValue  string       `json:"original_value"`
	CorrectedValue *string      `json:"corrected_value,omitempty"`
	CorrectedBy    string       `json:"corrected_by"`
	CreatedAt      time.Time    `json:"created_at"`
}
