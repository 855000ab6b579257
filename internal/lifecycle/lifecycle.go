// Package lifecycle owns the AgentExecution row end-to-end: creation, step
// appends, the single transition into a terminal status, cooperative
// cancellation, and the write-once metrics snapshot.
package lifecycle

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerline/satori/internal/model"
)

// Store is the persistence surface the manager needs. *storage.DB satisfies
// it.
type Store interface {
	CreateExecution(ctx context.Context, exec model.AgentExecution) (model.AgentExecution, error)
	GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error)
	AppendStep(ctx context.Context, orgID, id uuid.UUID, step model.ExecutionStep, fallbackUsed bool) error
	FinishExecution(ctx context.Context, orgID, id uuid.UUID, status model.ExecutionStatus, outcome map[string]any, failureReason, humanMessage *string) error
	RequestCancel(ctx context.Context, orgID, id uuid.UUID) error
	IsCancelRequested(ctx context.Context, orgID, id uuid.UUID) (bool, error)
	GetStatusSnapshot(ctx context.Context, orgID, id uuid.UUID) (model.StatusSnapshot, error)
	CreateExecutionMetrics(ctx context.Context, m model.ExecutionMetrics) error
}

// Manager coordinates execution state transitions.
type Manager struct {
	store  Store
	logger *slog.Logger

	// statusGroup collapses concurrent status polls for the same execution
	// into one database read.
	statusGroup singleflight.Group
}

// NewManager creates a lifecycle Manager.
func NewManager(store Store, logger *slog.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// CreateInput describes a new execution.
type CreateInput struct {
	OrgID         uuid.UUID
	AgentID       uuid.UUID
	Goal          string
	InputContext  map[string]any
	TriggerType   model.TriggerType
	TriggeredBy   string
	PromptVersion string
}

// Create starts a new execution in the running state.
func (m *Manager) Create(ctx context.Context, in CreateInput) (model.AgentExecution, error) {
	exec, err := m.store.CreateExecution(ctx, model.AgentExecution{
		OrgID:         in.OrgID,
		AgentID:       in.AgentID,
		Goal:          in.Goal,
		InputContext:  in.InputContext,
		TriggerType:   in.TriggerType,
		TriggeredBy:   in.TriggeredBy,
		PromptVersion: in.PromptVersion,
	})
	if err != nil {
		return model.AgentExecution{}, err
	}
	m.logger.Info("execution created",
		"execution_id", exec.ID, "agent_id", exec.AgentID, "trigger", exec.TriggerType)
	return exec, nil
}

// Get returns the full execution row, steps included.
func (m *Manager) Get(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error) {
	return m.store.GetExecution(ctx, orgID, id)
}

// AppendStep records one loop iteration and folds its usage into the
// execution's running totals.
func (m *Manager) AppendStep(ctx context.Context, orgID, id uuid.UUID, step model.ExecutionStep, fallbackUsed bool) error {
	return m.store.AppendStep(ctx, orgID, id, step, fallbackUsed)
}

// Complete transitions to completed and writes the metrics snapshot. A
// snapshot write failure is logged but does not undo the completed status.
func (m *Manager) Complete(ctx context.Context, orgID, id uuid.UUID, outcome map[string]any, metrics model.ExecutionMetrics) error {
	if err := m.store.FinishExecution(ctx, orgID, id, model.ExecutionStatusCompleted, outcome, nil, nil); err != nil {
		return err
	}
	m.writeMetrics(ctx, orgID, id, metrics)
	m.logger.Info("execution completed", "execution_id", id)
	return nil
}

// MarkNeedsReview transitions to needs_review, carrying an optional message
// for the reviewer.
func (m *Manager) MarkNeedsReview(ctx context.Context, orgID, id uuid.UUID, outcome map[string]any, humanMessage *string, metrics model.ExecutionMetrics) error {
	if err := m.store.FinishExecution(ctx, orgID, id, model.ExecutionStatusNeedsReview, outcome, nil, humanMessage); err != nil {
		return err
	}
	m.writeMetrics(ctx, orgID, id, metrics)
	m.logger.Info("execution needs review", "execution_id", id)
	return nil
}

// Fail transitions to failed with a reason.
func (m *Manager) Fail(ctx context.Context, orgID, id uuid.UUID, reason string, metrics model.ExecutionMetrics) error {
	if err := m.store.FinishExecution(ctx, orgID, id, model.ExecutionStatusFailed, nil, &reason, nil); err != nil {
		return err
	}
	m.writeMetrics(ctx, orgID, id, metrics)
	m.logger.Warn("execution failed", "execution_id", id, "reason", reason)
	return nil
}

// MarkCancelled transitions to cancelled. Called by the loop when it
// observes the cancellation flag at an iteration boundary.
func (m *Manager) MarkCancelled(ctx context.Context, orgID, id uuid.UUID, metrics model.ExecutionMetrics) error {
	if err := m.store.FinishExecution(ctx, orgID, id, model.ExecutionStatusCancelled, nil, nil, nil); err != nil {
		return err
	}
	m.writeMetrics(ctx, orgID, id, metrics)
	m.logger.Info("execution cancelled", "execution_id", id)
	return nil
}

// RequestCancel sets the cancellation flag on a running execution. The loop
// honors the flag at its next iteration boundary; an in-flight LLM or tool
// call is never interrupted.
func (m *Manager) RequestCancel(ctx context.Context, orgID, id uuid.UUID) error {
	if err := m.store.RequestCancel(ctx, orgID, id); err != nil {
		return err
	}
	m.logger.Info("cancellation requested", "execution_id", id)
	return nil
}

// IsCancelled is the cheap poll used once per loop iteration.
func (m *Manager) IsCancelled(ctx context.Context, orgID, id uuid.UUID) (bool, error) {
	return m.store.IsCancelRequested(ctx, orgID, id)
}

// GetStatus returns the lightweight progress view for external pollers.
// Concurrent polls for the same execution share one database read.
func (m *Manager) GetStatus(ctx context.Context, orgID, id uuid.UUID) (model.StatusSnapshot, error) {
	v, err, _ := m.statusGroup.Do(orgID.String()+"/"+id.String(), func() (any, error) {
		return m.store.GetStatusSnapshot(ctx, orgID, id)
	})
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	return v.(model.StatusSnapshot), nil
}

func (m *Manager) writeMetrics(ctx context.Context, orgID, id uuid.UUID, metrics model.ExecutionMetrics) {
	metrics.OrgID = orgID
	metrics.ExecutionID = id
	if err := m.store.CreateExecutionMetrics(ctx, metrics); err != nil {
		m.logger.Warn("metrics snapshot write failed", "execution_id", id, "error", err)
	}
}
