package cascade

import "time"

// CompensationPolicy controls how compensation failures affect the
// terminal state of an instance.
type CompensationPolicy string

const (
	// CompensationBestEffort records compensation failures and proceeds
	// to the terminal Failed state. This is the default.
	CompensationBestEffort CompensationPolicy = "best-effort"
	// CompensationStrict retries failed compensations up to the step
	// retry budget before giving up with a dead-letter record.
	CompensationStrict CompensationPolicy = "strict"
)

// Config holds configuration for the Orchestrator.
type Config struct {
	// WorkerCount is the number of logical worker slots in the pool.
	WorkerCount int

	// QueueBound is the maximum number of tasks the scheduler will hold
	// before rejecting Submit with ErrBackpressure.
	QueueBound int

	// MaxRetries is the per-step retry budget for transient failures.
	MaxRetries int

	// StepTimeout is the default deadline applied to dispatched tasks
	// when the step definition does not set its own.
	StepTimeout time.Duration

	// DispatchGrace is how long a step may stay dispatched without the
	// scheduler acknowledging the task before the reconciliation sweep
	// re-dispatches it.
	DispatchGrace time.Duration

	// SweepInterval is how often the reconciliation sweep scans active
	// instances for expired deadlines and unacknowledged dispatches.
	SweepInterval time.Duration

	// HeartbeatInterval is how often workers record heartbeats.
	HeartbeatInterval time.Duration

	// StaleWorkerThreshold is how long before a worker without a
	// heartbeat is considered dead and removed from the registry.
	StaleWorkerThreshold time.Duration

	// BreakerThreshold is the consecutive-failure count that opens a
	// target service's circuit.
	BreakerThreshold int

	// BreakerCooldown is how long an open circuit waits before allowing
	// a half-open trial call.
	BreakerCooldown time.Duration

	// Compensation selects the compensation failure policy.
	Compensation CompensationPolicy

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:          10,
		QueueBound:           1024,
		MaxRetries:           3,
		StepTimeout:          30 * time.Second,
		DispatchGrace:        10 * time.Second,
		SweepInterval:        3 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		StaleWorkerThreshold: 30 * time.Second,
		BreakerThreshold:     5,
		BreakerCooldown:      30 * time.Second,
		Compensation:         CompensationBestEffort,
		ShutdownTimeout:      30 * time.Second,
	}
}
