// Package instance models the derived runtime state of a workflow
// instance. Nothing here is persisted directly: an Instance and its
// StepExecutions are caches rebuilt by folding the instance's event log
// in sequence order, so folding the same log twice always produces
// identical state.
package instance

import (
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/id"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	// StatusPending means the instance exists but has not started.
	StatusPending Status = "pending"
	// StatusRunning means forward steps are executing.
	StatusRunning Status = "running"
	// StatusCompensating means a step failed terminally and compensation
	// tasks are running for previously succeeded steps.
	StatusCompensating Status = "compensating"
	// StatusCompleted means all steps succeeded.
	StatusCompleted Status = "completed"
	// StatusFailed means the instance failed and compensation finished.
	StatusFailed Status = "failed"
	// StatusCancelled means the instance was cancelled on request.
	StatusCancelled Status = "cancelled"
)

// StepStatus is the lifecycle state of one step within an instance.
type StepStatus string

const (
	// StepWaiting means dependencies are not yet satisfied, or a retry
	// is pending its backoff delay.
	StepWaiting StepStatus = "waiting"
	// StepDispatched means a task was handed to the scheduler and no
	// terminal result has been applied.
	StepDispatched StepStatus = "dispatched"
	// StepSucceeded means the step's task reported success.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step failed terminally.
	StepFailed StepStatus = "failed"
	// StepCompensated means the step succeeded and its compensation
	// later completed.
	StepCompensated StepStatus = "compensated"
)

// CompensationState tracks the undo progress for a succeeded step.
type CompensationState string

const (
	// CompNone: no compensation has been considered for this step.
	CompNone CompensationState = ""
	// CompDispatched: a compensation task is in flight.
	CompDispatched CompensationState = "dispatched"
	// CompSucceeded: the compensation completed.
	CompSucceeded CompensationState = "succeeded"
	// CompFailed: the compensation failed (terminal under best-effort).
	CompFailed CompensationState = "failed"
	// CompSkipped: the step defines no compensation.
	CompSkipped CompensationState = "skipped"
)

// Resolved reports whether the compensation reached a terminal outcome.
func (c CompensationState) Resolved() bool {
	return c == CompSucceeded || c == CompFailed || c == CompSkipped
}

// StepExecution is the runtime record of one step within an instance.
type StepExecution struct {
	StepID       string     `json:"step_id"`
	Status       StepStatus `json:"status"`
	Attempt      int        `json:"attempt"`
	TaskID       id.TaskID  `json:"task_id,omitempty"`
	Deadline     time.Time  `json:"deadline,omitempty"`
	DispatchedAt time.Time  `json:"dispatched_at,omitempty"`

	// NextRetryAt is set while a retry waits out its backoff delay.
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`

	LastError string `json:"last_error,omitempty"`

	Compensation     CompensationState `json:"compensation,omitempty"`
	CompTaskID       id.TaskID         `json:"comp_task_id,omitempty"`
	CompDeadline     time.Time         `json:"comp_deadline,omitempty"`
	CompAttempt      int               `json:"comp_attempt,omitempty"`
	CompDispatchedAt time.Time         `json:"comp_dispatched_at,omitempty"`
}

// Terminal reports whether the step reached a terminal forward status.
func (s *StepExecution) Terminal() bool {
	return s.Status == StepSucceeded || s.Status == StepFailed || s.Status == StepCompensated
}

// Instance is one execution of a workflow definition. Owned exclusively
// by the execution engine and mutated only by applying events.
type Instance struct {
	ID           id.InstanceID   `json:"id"`
	DefinitionID id.DefinitionID `json:"definition_id"`
	Name         string          `json:"name"`
	Version      int             `json:"version"`
	Status       Status          `json:"status"`

	// Input is the initial input supplied at instantiation.
	Input json.RawMessage `json:"input,omitempty"`

	// Context maps step ID to that step's output payload.
	Context map[string]json.RawMessage `json:"context,omitempty"`

	// Steps maps step ID to its execution record.
	Steps map[string]*StepExecution `json:"steps"`

	// LastSequence is the sequence of the last applied event.
	LastSequence uint64 `json:"last_sequence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the instance reached a terminal status.
func (in *Instance) Terminal() bool {
	return in.Status == StatusCompleted || in.Status == StatusFailed || in.Status == StatusCancelled
}

// Step returns the execution record for stepID, creating a Waiting record
// if none exists yet.
func (in *Instance) Step(stepID string) *StepExecution {
	se, ok := in.Steps[stepID]
	if !ok {
		se = &StepExecution{StepID: stepID, Status: StepWaiting}
		in.Steps[stepID] = se
	}
	return se
}

// ReadySteps returns step IDs whose dependencies are all Succeeded, whose
// own status is Waiting, and whose retry delay (if any) has elapsed at
// now. Order follows the definition's declaration order.
func (in *Instance) ReadySteps(def *definition.Definition, now time.Time) []string {
	var ready []string
	for _, s := range def.Steps {
		se := in.Step(s.ID)
		if se.Status != StepWaiting {
			continue
		}
		if !se.NextRetryAt.IsZero() && now.Before(se.NextRetryAt) {
			continue
		}
		if in.depsSucceeded(s) {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

func (in *Instance) depsSucceeded(s definition.Step) bool {
	for _, dep := range s.DependsOn {
		if in.Step(dep).Status != StepSucceeded {
			return false
		}
	}
	return true
}

// AllSucceeded reports whether every step in the definition succeeded.
func (in *Instance) AllSucceeded(def *definition.Definition) bool {
	for _, s := range def.Steps {
		if in.Step(s.ID).Status != StepSucceeded {
			return false
		}
	}
	return true
}

// SucceededSteps returns the steps currently in Succeeded status, in
// definition order.
func (in *Instance) SucceededSteps(def *definition.Definition) []string {
	var out []string
	for _, s := range def.Steps {
		if in.Step(s.ID).Status == StepSucceeded {
			out = append(out, s.ID)
		}
	}
	return out
}

// ReadyCompensations returns succeeded steps whose compensation has not
// started and whose succeeded dependents have all resolved theirs. This
// walks the dependency graph in reverse: a step is undone only after
// everything built on top of it has been undone.
func (in *Instance) ReadyCompensations(def *definition.Definition) []string {
	// Map step → succeeded dependents.
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var ready []string
	for _, s := range def.Steps {
		se := in.Step(s.ID)
		if se.Status != StepSucceeded || se.Compensation != CompNone {
			continue
		}

		blocked := false
		for _, depnt := range dependents[s.ID] {
			dse := in.Step(depnt)
			// A dependent still in flight may yet succeed and need undoing
			// first; a dependent that succeeded must be undone before us.
			if dse.Status == StepDispatched ||
				(dse.Status == StepSucceeded && !dse.Compensation.Resolved()) {
				blocked = true
				break
			}
		}
		if !blocked {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// CompensationComplete reports whether every step that ever succeeded has
// a resolved compensation outcome and no step is still in flight. True
// once the instance may reach the terminal Failed status.
func (in *Instance) CompensationComplete(def *definition.Definition) bool {
	for _, s := range def.Steps {
		se := in.Step(s.ID)
		// An in-flight step may still succeed and then need undoing.
		if se.Status == StepDispatched {
			return false
		}
		succeeded := se.Status == StepSucceeded || se.Status == StepCompensated
		if succeeded && !se.Compensation.Resolved() {
			return false
		}
	}
	return true
}
