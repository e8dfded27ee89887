package instance_test

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/event"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
)

func chainDef() *definition.Definition {
	return &definition.Definition{
		ID:      id.NewDefinitionID(),
		Name:    "order-fulfillment",
		Version: 1,
		Steps: []definition.Step{
			{ID: "reserve", TargetService: "inventory", CompensationStepID: "release"},
			{ID: "charge", TargetService: "payments", DependsOn: []string{"reserve"}, CompensationStepID: "refund"},
			{ID: "ship", TargetService: "shipping", DependsOn: []string{"charge"}},
		},
	}
}

// log builds an event slice with consecutive sequences starting at 1.
func log(t *testing.T, instID id.InstanceID, evts ...*event.Event) []*event.Event {
	t.Helper()
	for i, e := range evts {
		e.Sequence = uint64(i) + 1
	}
	return evts
}

func started(t *testing.T, instID id.InstanceID, def *definition.Definition) *event.Event {
	t.Helper()
	return mustEvent(t, instID, event.TypeInstanceStarted, event.InstanceStarted{
		DefinitionID: def.ID,
		Name:         def.Name,
		Version:      def.Version,
		Input:        json.RawMessage(`{"order":"ord-1"}`),
	})
}

func mustEvent(t *testing.T, instID id.InstanceID, typ event.Type, payload any) *event.Event {
	t.Helper()
	evt, err := event.New(instID, typ, payload)
	if err != nil {
		t.Fatalf("build %s event: %v", typ, err)
	}
	return evt
}

func TestFoldHappyPath(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA := id.NewTaskID()

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1, TargetService: "inventory"}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{"hold":"h-9"}`)}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if in.Status != instance.StatusRunning {
		t.Fatalf("status = %s, want running", in.Status)
	}
	if got := in.Step("reserve").Status; got != instance.StepSucceeded {
		t.Fatalf("reserve status = %s, want succeeded", got)
	}
	if string(in.Context["reserve"]) != `{"hold":"h-9"}` {
		t.Fatalf("reserve output = %s", in.Context["reserve"])
	}
	if in.LastSequence != 3 {
		t.Fatalf("last sequence = %d, want 3", in.LastSequence)
	}

	ready := in.ReadySteps(def, time.Now())
	if !reflect.DeepEqual(ready, []string{"charge"}) {
		t.Fatalf("ready = %v, want [charge]", ready)
	}
}

func TestFoldDeterministic(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA, taskB := id.NewTaskID(), id.NewTaskID()

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{}`)}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "charge", TaskID: taskB, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "charge", TaskID: taskB, Attempt: 1, Error: "card declined", Permanent: true}),
		mustEvent(t, instID, event.TypeCompensationTriggered, event.CompensationTriggered{FailedStepID: "charge"}),
	)

	first, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("first fold: %v", err)
	}
	second, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("second fold: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("folds diverged:\n%+v\n%+v", first, second)
	}
	if first.Status != instance.StatusCompensating {
		t.Fatalf("status = %s, want compensating", first.Status)
	}
}

func TestFoldRetryScheduled(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA := id.NewTaskID()
	runAt := time.Now().Add(2 * time.Second).UTC().Truncate(time.Millisecond)

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "reserve", TaskID: taskA, Attempt: 1, Error: "timeout", Timeout: true}),
		mustEvent(t, instID, event.TypeStepRetryScheduled, event.StepRetryScheduled{StepID: "reserve", Attempt: 1, RunAt: runAt}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	se := in.Step("reserve")
	if se.Status != instance.StepWaiting {
		t.Fatalf("status = %s, want waiting", se.Status)
	}
	if !se.NextRetryAt.Equal(runAt) {
		t.Fatalf("next retry at = %v, want %v", se.NextRetryAt, runAt)
	}

	// Not ready before the backoff elapses, ready after.
	if got := in.ReadySteps(def, runAt.Add(-time.Second)); len(got) != 0 {
		t.Fatalf("ready before backoff = %v, want none", got)
	}
	if got := in.ReadySteps(def, runAt.Add(time.Second)); !reflect.DeepEqual(got, []string{"reserve"}) {
		t.Fatalf("ready after backoff = %v, want [reserve]", got)
	}
}

func TestFoldTerminalStepIgnoresLateResults(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA := id.NewTaskID()

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{"hold":"h-9"}`)}),
		// A crashed worker's result arriving after the fact must not
		// flip a terminal step.
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "reserve", TaskID: taskA, Attempt: 1, Error: "stale"}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	se := in.Step("reserve")
	if se.Status != instance.StepSucceeded {
		t.Fatalf("status = %s, want succeeded", se.Status)
	}
	if se.LastError != "" {
		t.Fatalf("last error = %q, want empty", se.LastError)
	}
}

func TestFoldCompensationFlow(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA, taskB, compA := id.NewTaskID(), id.NewTaskID(), id.NewTaskID()

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{}`)}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "charge", TaskID: taskB, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "charge", TaskID: taskB, Attempt: 1, Error: "card declined", Permanent: true}),
		mustEvent(t, instID, event.TypeCompensationTriggered, event.CompensationTriggered{FailedStepID: "charge"}),
		mustEvent(t, instID, event.TypeCompensationDispatched, event.CompensationDispatched{StepID: "reserve", CompensationStepID: "release", TaskID: compA, Attempt: 1}),
		mustEvent(t, instID, event.TypeCompensationSucceeded, event.CompensationSucceeded{StepID: "reserve", TaskID: compA}),
		mustEvent(t, instID, event.TypeInstanceFailed, event.InstanceFailed{FailedSteps: []string{"charge"}, CompensatedSteps: []string{"reserve"}}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if in.Status != instance.StatusFailed {
		t.Fatalf("status = %s, want failed", in.Status)
	}
	se := in.Step("reserve")
	if se.Status != instance.StepCompensated {
		t.Fatalf("reserve status = %s, want compensated", se.Status)
	}
	if se.Compensation != instance.CompSucceeded {
		t.Fatalf("reserve compensation = %s, want succeeded", se.Compensation)
	}
	if !in.CompensationComplete(def) {
		t.Fatal("compensation should be complete")
	}
}

func TestReadyCompensationsReverseOrder(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()
	taskA, taskB, taskC := id.NewTaskID(), id.NewTaskID(), id.NewTaskID()

	// reserve and charge succeeded, ship failed permanently.
	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{}`)}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "charge", TaskID: taskB, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "charge", TaskID: taskB, Attempt: 1, Output: json.RawMessage(`{}`)}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "ship", TaskID: taskC, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "ship", TaskID: taskC, Attempt: 1, Error: "no carrier", Permanent: true}),
		mustEvent(t, instID, event.TypeCompensationTriggered, event.CompensationTriggered{FailedStepID: "ship"}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}

	// charge must be undone before reserve.
	if got := in.ReadyCompensations(def); !reflect.DeepEqual(got, []string{"charge"}) {
		t.Fatalf("ready compensations = %v, want [charge]", got)
	}

	// Resolve charge's compensation; reserve becomes eligible.
	compB := id.NewTaskID()
	next := []*event.Event{
		mustEvent(t, instID, event.TypeCompensationDispatched, event.CompensationDispatched{StepID: "charge", CompensationStepID: "refund", TaskID: compB, Attempt: 1}),
		mustEvent(t, instID, event.TypeCompensationSucceeded, event.CompensationSucceeded{StepID: "charge", TaskID: compB}),
	}
	for i, e := range next {
		e.Sequence = in.LastSequence + uint64(i) + 1
	}
	for _, e := range next {
		if err := in.Apply(e); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got := in.ReadyCompensations(def); !reflect.DeepEqual(got, []string{"reserve"}) {
		t.Fatalf("ready compensations = %v, want [reserve]", got)
	}
}

func TestReadyCompensationsWaitForInFlightSteps(t *testing.T) {
	def := &definition.Definition{
		ID:      id.NewDefinitionID(),
		Name:    "order-fanout",
		Version: 1,
		Steps: []definition.Step{
			{ID: "reserve", TargetService: "inventory", CompensationStepID: "release"},
			{ID: "charge", TargetService: "payments", DependsOn: []string{"reserve"}, CompensationStepID: "refund"},
			{ID: "audit", TargetService: "ledger", DependsOn: []string{"reserve"}},
		},
	}
	instID := id.NewInstanceID()
	taskA, taskB, taskC := id.NewTaskID(), id.NewTaskID(), id.NewTaskID()

	// audit fails permanently while charge is still in flight.
	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "reserve", TaskID: taskA, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "reserve", TaskID: taskA, Attempt: 1, Output: json.RawMessage(`{}`)}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "charge", TaskID: taskB, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepDispatched, event.StepDispatched{StepID: "audit", TaskID: taskC, Attempt: 1}),
		mustEvent(t, instID, event.TypeStepFailed, event.StepFailed{StepID: "audit", TaskID: taskC, Attempt: 1, Error: "ledger rejected", Permanent: true}),
		mustEvent(t, instID, event.TypeCompensationTriggered, event.CompensationTriggered{FailedStepID: "audit"}),
	)

	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}

	// reserve must not be undone while charge, which depends on it, may
	// still succeed.
	if got := in.ReadyCompensations(def); len(got) != 0 {
		t.Fatalf("ready compensations = %v, want none while charge in flight", got)
	}
	if in.CompensationComplete(def) {
		t.Fatal("compensation must not be complete with a step in flight")
	}

	// charge lands: it is undone first, then reserve.
	next := []*event.Event{
		mustEvent(t, instID, event.TypeStepSucceeded, event.StepSucceeded{StepID: "charge", TaskID: taskB, Attempt: 1, Output: json.RawMessage(`{}`)}),
	}
	for i, e := range next {
		e.Sequence = in.LastSequence + uint64(i) + 1
	}
	for _, e := range next {
		if err := in.Apply(e); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if got := in.ReadyCompensations(def); !reflect.DeepEqual(got, []string{"charge"}) {
		t.Fatalf("ready compensations = %v, want [charge]", got)
	}
}

func TestApplyRejectsSequenceGap(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()

	in, err := instance.Fold(def, instID, log(t, instID, started(t, instID, def)))
	if err != nil {
		t.Fatalf("fold: %v", err)
	}

	evt := mustEvent(t, instID, event.TypeInstanceCompleted, event.InstanceCompleted{})
	evt.Sequence = 5
	if err := in.Apply(evt); err == nil {
		t.Fatal("expected error applying sequence 5 after 1")
	}
}

func TestFoldCancelled(t *testing.T) {
	def := chainDef()
	instID := id.NewInstanceID()

	evts := log(t, instID,
		started(t, instID, def),
		mustEvent(t, instID, event.TypeInstanceCancelled, event.InstanceCancelled{Reason: "operator request"}),
	)
	in, err := instance.Fold(def, instID, evts)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if in.Status != instance.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", in.Status)
	}
	if !in.Terminal() {
		t.Fatal("cancelled instance should be terminal")
	}
}
