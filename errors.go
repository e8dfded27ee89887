package cascade

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("cascade: no store configured")
	ErrStoreClosed = errors.New("cascade: store closed")

	// Not found errors.
	ErrDefinitionNotFound = errors.New("cascade: workflow definition not found")
	ErrInstanceNotFound   = errors.New("cascade: workflow instance not found")
	ErrStepNotFound       = errors.New("cascade: step not found in definition")
	ErrTaskNotFound       = errors.New("cascade: task not found")
	ErrWorkerNotFound     = errors.New("cascade: worker not found")
	ErrDLQNotFound        = errors.New("cascade: dlq entry not found")
	ErrCronNotFound       = errors.New("cascade: cron entry not found")

	// Conflict errors.
	ErrDefinitionExists  = errors.New("cascade: workflow definition already registered")
	ErrConcurrentAppend  = errors.New("cascade: concurrent append, sequence mismatch")
	ErrCyclicDependency  = errors.New("cascade: cyclic step dependency")
	ErrDuplicateCron     = errors.New("cascade: duplicate cron entry")
	ErrInstanceTerminal  = errors.New("cascade: instance already in a terminal state")
	ErrDuplicateStepID   = errors.New("cascade: duplicate step id in definition")
	ErrUnknownDependency = errors.New("cascade: step depends on unknown step id")

	// Dispatch errors.
	ErrBackpressure = errors.New("cascade: scheduler queue full")
	ErrNoWorker     = errors.New("cascade: no eligible worker for task")
	ErrCircuitOpen  = errors.New("cascade: circuit open for target service")

	// Cluster errors.
	ErrNotLeader = errors.New("cascade: not the leader")
)
