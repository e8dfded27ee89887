// Package definition models immutable workflow templates: the ordered
// set of steps, their dependency graph, and compensation actions. A
// definition is validated once at registration and is read-only to the
// execution engine afterwards.
package definition

import (
	"fmt"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// Step describes a single unit of work within a workflow definition.
type Step struct {
	// ID is the step identifier, unique within the definition.
	ID string `json:"id"`

	// TargetService names the external service this step invokes.
	// Worker capabilities and circuit breakers are keyed by it.
	TargetService string `json:"target_service"`

	// InputMapping is an expression selecting this step's input from the
	// instance context. Empty means the instance's initial input.
	InputMapping string `json:"input_mapping,omitempty"`

	// DependsOn lists step IDs that must succeed before this step is
	// runnable.
	DependsOn []string `json:"depends_on,omitempty"`

	// CompensationStepID names the step dispatched to undo this one when
	// the instance compensates. Empty means no compensation (skipped).
	CompensationStepID string `json:"compensation_step_id,omitempty"`

	// MaxRetries overrides the engine's retry budget for this step.
	// Zero means use the engine default.
	MaxRetries int `json:"max_retries,omitempty"`

	// Timeout overrides the engine's default task deadline for this step.
	// Zero means use the engine default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Definition is an immutable workflow template.
type Definition struct {
	cascade.Entity

	ID      id.DefinitionID `json:"id"`
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Steps   []Step          `json:"steps"`

	// Timeout bounds the whole instance. Zero means unbounded.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Step returns the step with the given ID, or false if absent.
func (d *Definition) Step(stepID string) (Step, bool) {
	for _, s := range d.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return Step{}, false
}

// Validate checks the definition's structural invariants: non-empty name
// and steps, unique step IDs, dependencies referring to known steps, and
// an acyclic dependency graph. Called at registration time; the engine
// repeats the cycle check defensively at instance start.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition: name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("definition %q: at least one step is required", d.Name)
	}

	byID := make(map[string]Step, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return fmt.Errorf("definition %q: step id is required", d.Name)
		}
		if s.TargetService == "" {
			return fmt.Errorf("definition %q: step %q: target service is required", d.Name, s.ID)
		}
		if _, dup := byID[s.ID]; dup {
			return fmt.Errorf("definition %q: step %q: %w", d.Name, s.ID, cascade.ErrDuplicateStepID)
		}
		byID[s.ID] = s
	}

	for _, s := range d.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("definition %q: step %q depends on %q: %w",
					d.Name, s.ID, dep, cascade.ErrUnknownDependency)
			}
			if dep == s.ID {
				return fmt.Errorf("definition %q: step %q depends on itself: %w",
					d.Name, s.ID, cascade.ErrCyclicDependency)
			}
		}
	}

	if _, err := TopoOrder(d.Steps); err != nil {
		return fmt.Errorf("definition %q: %w", d.Name, err)
	}

	return nil
}

// TopoOrder returns the step IDs in a topological order of the dependency
// graph (dependencies first). Returns ErrCyclicDependency if the graph
// has a cycle.
func TopoOrder(steps []Step) ([]string, error) {
	// Kahn's algorithm over the DependsOn edges.
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))

	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	// Seed with roots in declaration order for deterministic output.
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, cur)

		for _, next := range dependents[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, cascade.ErrCyclicDependency
	}

	return order, nil
}

// ReverseTopoOrder returns step IDs in reverse topological order
// (dependents first). Compensation walks this order so undo actions run
// before the undo of what they depended on.
func ReverseTopoOrder(steps []Step) ([]string, error) {
	order, err := TopoOrder(steps)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
