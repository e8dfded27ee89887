package instance

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
)

// Fold rebuilds instance state by applying events in sequence order over
// an empty instance seeded from def. Folding the same log always yields
// the same state: unknown event types are ignored so older engines can
// replay logs written by newer ones.
func Fold(def *definition.Definition, instanceID id.InstanceID, events []*event.Event) (*Instance, error) {
	in := &Instance{
		ID:     instanceID,
		Status: StatusPending,
		Steps:  make(map[string]*StepExecution, len(def.Steps)),
	}
	for _, s := range def.Steps {
		in.Steps[s.ID] = &StepExecution{StepID: s.ID, Status: StepWaiting}
	}
	for _, evt := range events {
		if err := in.Apply(evt); err != nil {
			return nil, err
		}
	}
	return in, nil
}

// Apply folds a single event into the instance. Events must be applied
// in sequence order; an out-of-order or duplicate sequence is rejected.
func (in *Instance) Apply(evt *event.Event) error {
	if evt.Sequence != in.LastSequence+1 {
		return fmt.Errorf("apply event %s: sequence %d after %d", evt.Type, evt.Sequence, in.LastSequence)
	}

	switch evt.Type {
	case event.TypeInstanceStarted:
		var p event.InstanceStarted
		if err := evt.Decode(&p); err != nil {
			return err
		}
		in.DefinitionID = p.DefinitionID
		in.Name = p.Name
		in.Version = p.Version
		in.Input = p.Input
		in.Status = StatusRunning
		in.CreatedAt = evt.Timestamp

	case event.TypeStepDispatched:
		var p event.StepDispatched
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		se.Status = StepDispatched
		se.Attempt = p.Attempt
		se.TaskID = p.TaskID
		se.Deadline = p.Deadline
		se.DispatchedAt = evt.Timestamp
		se.NextRetryAt = time.Time{}

	case event.TypeStepSucceeded:
		var p event.StepSucceeded
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		if !se.Terminal() {
			se.Status = StepSucceeded
			se.LastError = ""
			if in.Context == nil {
				in.Context = make(map[string]json.RawMessage)
			}
			in.Context[p.StepID] = p.Output
		}

	case event.TypeStepFailed:
		var p event.StepFailed
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		if !se.Terminal() {
			se.Status = StepFailed
			se.LastError = p.Error
		}

	case event.TypeStepRetryScheduled:
		var p event.StepRetryScheduled
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		se.Status = StepWaiting
		se.Attempt = p.Attempt
		se.NextRetryAt = p.RunAt
		se.TaskID = id.TaskID{}
		se.Deadline = time.Time{}

	case event.TypeCompensationTriggered:
		in.Status = StatusCompensating

	case event.TypeCompensationDispatched:
		var p event.CompensationDispatched
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		se.Compensation = CompDispatched
		se.CompTaskID = p.TaskID
		se.CompDeadline = p.Deadline
		se.CompAttempt = p.Attempt
		se.CompDispatchedAt = evt.Timestamp

	case event.TypeCompensationSucceeded:
		var p event.CompensationSucceeded
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		if !se.Compensation.Resolved() {
			se.Compensation = CompSucceeded
			se.Status = StepCompensated
		}

	case event.TypeCompensationFailed:
		var p event.CompensationFailed
		if err := evt.Decode(&p); err != nil {
			return err
		}
		se := in.Step(p.StepID)
		if !se.Compensation.Resolved() {
			se.Compensation = CompFailed
			se.LastError = p.Error
		}

	case event.TypeCompensationSkipped:
		var p event.CompensationSkipped
		if err := evt.Decode(&p); err != nil {
			return err
		}
		in.Step(p.StepID).Compensation = CompSkipped

	case event.TypeInstanceCompleted:
		in.Status = StatusCompleted

	case event.TypeInstanceFailed:
		in.Status = StatusFailed

	case event.TypeInstanceCancelled:
		in.Status = StatusCancelled
	}

	in.LastSequence = evt.Sequence
	in.UpdatedAt = evt.Timestamp
	return nil
}
