package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cascadehq/cascade/hook"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Compile-time interface checks.
var (
	_ hook.Extension         = (*auditExtension)(nil)
	_ hook.InstanceStarted   = (*auditExtension)(nil)
	_ hook.InstanceCompleted = (*auditExtension)(nil)
	_ hook.InstanceFailed    = (*auditExtension)(nil)
	_ hook.InstanceCancelled = (*auditExtension)(nil)
	_ hook.StepFailed        = (*auditExtension)(nil)
	_ hook.TaskDLQ           = (*auditExtension)(nil)
	_ hook.CronFired         = (*auditExtension)(nil)
)

// auditExtension writes an audit line for the lifecycle events an
// operator cares about when reading server logs after the fact.
type auditExtension struct {
	logger *slog.Logger
}

func (a *auditExtension) Name() string { return "audit-log" }

func (a *auditExtension) OnInstanceStarted(_ context.Context, instanceID id.InstanceID, definitionID id.DefinitionID) error {
	a.logger.Info("audit: instance started",
		slog.String("instance_id", instanceID.String()),
		slog.String("definition_id", definitionID.String()),
	)
	return nil
}

func (a *auditExtension) OnInstanceCompleted(_ context.Context, instanceID id.InstanceID, elapsed time.Duration) error {
	a.logger.Info("audit: instance completed",
		slog.String("instance_id", instanceID.String()),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
	)
	return nil
}

func (a *auditExtension) OnInstanceFailed(_ context.Context, instanceID id.InstanceID, failedSteps []string) error {
	a.logger.Warn("audit: instance failed",
		slog.String("instance_id", instanceID.String()),
		slog.Any("failed_steps", failedSteps),
	)
	return nil
}

func (a *auditExtension) OnInstanceCancelled(_ context.Context, instanceID id.InstanceID, reason string) error {
	a.logger.Info("audit: instance cancelled",
		slog.String("instance_id", instanceID.String()),
		slog.String("reason", reason),
	)
	return nil
}

func (a *auditExtension) OnStepFailed(_ context.Context, t *task.Task, reason string) error {
	a.logger.Warn("audit: step failed",
		slog.String("instance_id", t.InstanceID.String()),
		slog.String("step_id", t.StepID),
		slog.String("reason", reason),
	)
	return nil
}

func (a *auditExtension) OnTaskDLQ(_ context.Context, t *task.Task, reason string) error {
	a.logger.Error("audit: task dead-lettered",
		slog.String("instance_id", t.InstanceID.String()),
		slog.String("step_id", t.StepID),
		slog.String("target_service", t.TargetService),
		slog.String("reason", reason),
	)
	return nil
}

func (a *auditExtension) OnCronFired(_ context.Context, scheduleName string, instanceID id.InstanceID) error {
	a.logger.Info("audit: cron fired",
		slog.String("schedule", scheduleName),
		slog.String("instance_id", instanceID.String()),
	)
	return nil
}
