// Package task defines the unit of work handed from the execution
// engine to the scheduler: one attempt of one step (or compensation
// step) of one workflow instance.
package task

import (
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade/id"
)

// Status is the scheduler-side lifecycle of a task.
type Status string

const (
	// StatusQueued: accepted by the scheduler, not yet assigned.
	StatusQueued Status = "queued"
	// StatusHeld: assignment deferred because the target service's
	// circuit is open or a retry delay has not elapsed.
	StatusHeld Status = "held"
	// StatusAssigned: handed to a worker, awaiting a result.
	StatusAssigned Status = "assigned"
	// StatusDone: a terminal result was reported back to the engine.
	StatusDone Status = "done"
)

// Task is one attempt of one step. Tasks are immutable once created;
// the scheduler tracks mutable assignment state separately.
type Task struct {
	ID         id.TaskID     `json:"id"`
	InstanceID id.InstanceID `json:"instance_id"`

	// StepID is the definition step being executed. For a compensation
	// task it names the step being undone, and CompensationStepID names
	// the step actually invoked.
	StepID             string `json:"step_id"`
	CompensationStepID string `json:"compensation_step_id,omitempty"`
	Compensation       bool   `json:"compensation,omitempty"`

	// TargetService identifies the downstream executor service and
	// doubles as the capability a worker must hold to run the task.
	TargetService string `json:"target_service"`

	Input   json.RawMessage `json:"input,omitempty"`
	Attempt int             `json:"attempt"`

	// Deadline is the wall-clock time after which the attempt is
	// considered lost and eligible for timeout recovery.
	Deadline time.Time `json:"deadline"`

	// Timeout bounds the downstream invocation itself.
	Timeout time.Duration `json:"timeout,omitempty"`

	// RunAt delays assignment until the given time. Zero means
	// immediately runnable.
	RunAt time.Time `json:"run_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// New builds a forward-execution task for one step attempt.
func New(instanceID id.InstanceID, stepID, targetService string, input json.RawMessage, attempt int) *Task {
	return &Task{
		ID:            id.NewTaskID(),
		InstanceID:    instanceID,
		StepID:        stepID,
		TargetService: targetService,
		Input:         input,
		Attempt:       attempt,
		CreatedAt:     time.Now().UTC(),
	}
}

// NewCompensation builds an undo task for a previously succeeded step.
func NewCompensation(instanceID id.InstanceID, stepID, compStepID, targetService string, input json.RawMessage, attempt int) *Task {
	t := New(instanceID, stepID, targetService, input, attempt)
	t.CompensationStepID = compStepID
	t.Compensation = true
	return t
}

// Runnable reports whether the task may be assigned at now.
func (t *Task) Runnable(now time.Time) bool {
	return t.RunAt.IsZero() || !now.Before(t.RunAt)
}

// Expired reports whether the task's deadline has passed at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// Result is a worker's terminal report for one task attempt.
type Result struct {
	TaskID   id.TaskID       `json:"task_id"`
	WorkerID id.WorkerID     `json:"worker_id,omitempty"`
	Success  bool            `json:"success"`
	Output   json.RawMessage `json:"output,omitempty"`

	// Error describes the failure when Success is false.
	Error string `json:"error,omitempty"`
	// Permanent marks failures that must not be retried.
	Permanent bool `json:"permanent,omitempty"`
	// Timeout marks failures caused by the invocation deadline.
	Timeout bool `json:"timeout,omitempty"`

	Duration   time.Duration `json:"duration,omitempty"`
	FinishedAt time.Time     `json:"finished_at"`
}
