// Package event defines the append-only domain event log that is the
// single source of truth for workflow state. Events carry a per-instance
// monotonic sequence; instance and step state are caches rebuilt by
// folding events in sequence order.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/id"
)

// Type names a kind of domain event.
type Type string

// Event types appended by the execution engine.
const (
	TypeInstanceStarted        Type = "instance.started"
	TypeStepDispatched         Type = "step.dispatched"
	TypeStepSucceeded          Type = "step.succeeded"
	TypeStepFailed             Type = "step.failed"
	TypeStepRetryScheduled     Type = "step.retry_scheduled"
	TypeCompensationTriggered  Type = "compensation.triggered"
	TypeCompensationDispatched Type = "compensation.dispatched"
	TypeCompensationSucceeded  Type = "compensation.succeeded"
	TypeCompensationFailed     Type = "compensation.failed"
	TypeCompensationSkipped    Type = "compensation.skipped"
	TypeInstanceCompleted      Type = "instance.completed"
	TypeInstanceFailed         Type = "instance.failed"
	TypeInstanceCancelled      Type = "instance.cancelled"
)

// Event is an immutable fact about one workflow instance. Events are never
// deleted or mutated; replaying the full log for an instance must
// deterministically reconstruct the same state.
type Event struct {
	ID         id.EventID    `json:"id"`
	InstanceID id.InstanceID `json:"instance_id"`

	// Sequence is monotonic per instance, assigned by the store on append.
	Sequence uint64 `json:"sequence"`

	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// New builds an event for the given instance with a JSON-encoded payload.
// The sequence is zero until the store assigns one on append.
func New(instanceID id.InstanceID, typ Type, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("event: marshal %s payload: %w", typ, err)
		}
		raw = data
	}

	return &Event{
		ID:         id.NewEventID(),
		InstanceID: instanceID,
		Type:       typ,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// MustNew is like New but panics on marshal failure. Use only for payload
// types known to be JSON-encodable.
func MustNew(instanceID id.InstanceID, typ Type, payload any) *Event {
	evt, err := New(instanceID, typ, payload)
	if err != nil {
		panic(err)
	}
	return evt
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("event: decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ──────────────────────────────────────────────────
// Payload shapes
// ──────────────────────────────────────────────────

// InstanceStarted records instantiation of a definition.
type InstanceStarted struct {
	DefinitionID id.DefinitionID `json:"definition_id"`
	Name         string          `json:"name"`
	Version      int             `json:"version"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// StepDispatched is the write-ahead record of a task handed to the
// scheduler. It is appended before the task is actually submitted so a
// crash between the two is detected by the reconciliation sweep.
type StepDispatched struct {
	StepID        string    `json:"step_id"`
	TaskID        id.TaskID `json:"task_id"`
	Attempt       int       `json:"attempt"`
	TargetService string    `json:"target_service"`
	Deadline      time.Time `json:"deadline"`
}

// StepSucceeded records a successful step result.
type StepSucceeded struct {
	StepID  string          `json:"step_id"`
	TaskID  id.TaskID       `json:"task_id"`
	Attempt int             `json:"attempt"`
	Output  json.RawMessage `json:"output,omitempty"`
}

// StepFailed records a failed attempt. Timeout marks results synthesized
// by the reconciliation sweep; Permanent marks non-retryable failures.
type StepFailed struct {
	StepID    string    `json:"step_id"`
	TaskID    id.TaskID `json:"task_id"`
	Attempt   int       `json:"attempt"`
	Error     string    `json:"error"`
	Permanent bool      `json:"permanent,omitempty"`
	Timeout   bool      `json:"timeout,omitempty"`
}

// StepRetryScheduled records the backoff delay before the next attempt.
type StepRetryScheduled struct {
	StepID  string    `json:"step_id"`
	Attempt int       `json:"attempt"`
	RunAt   time.Time `json:"run_at"`
}

// CompensationTriggered marks the transition to the Compensating status.
type CompensationTriggered struct {
	FailedStepID string `json:"failed_step_id"`
}

// CompensationDispatched records a compensation task handed to the
// scheduler. StepID is the succeeded forward step being undone.
type CompensationDispatched struct {
	StepID             string    `json:"step_id"`
	CompensationStepID string    `json:"compensation_step_id"`
	TaskID             id.TaskID `json:"task_id"`
	Attempt            int       `json:"attempt"`
	Deadline           time.Time `json:"deadline"`
}

// CompensationSucceeded records a completed compensation for StepID.
type CompensationSucceeded struct {
	StepID string    `json:"step_id"`
	TaskID id.TaskID `json:"task_id"`
}

// CompensationFailed records a failed compensation for StepID. Under the
// best-effort policy this does not block the terminal Failed state.
type CompensationFailed struct {
	StepID string    `json:"step_id"`
	TaskID id.TaskID `json:"task_id"`
	Error  string    `json:"error"`
}

// CompensationSkipped records that a succeeded step had no compensation
// defined.
type CompensationSkipped struct {
	StepID string `json:"step_id"`
}

// InstanceCompleted records that every step succeeded. Output is the
// final step's output when the definition has a single sink step.
type InstanceCompleted struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// InstanceCancelled records an explicit cancellation request.
type InstanceCancelled struct {
	Reason string `json:"reason,omitempty"`
}

// InstanceFailed summarizes the terminal failure for consumers.
type InstanceFailed struct {
	FailedSteps      []string `json:"failed_steps"`
	CompensatedSteps []string `json:"compensated_steps,omitempty"`
	SkippedSteps     []string `json:"skipped_steps,omitempty"`
}
