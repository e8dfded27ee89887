// Package cron starts workflow instances on recurring schedules. Only
// the elected leader fires schedules, and each firing takes a per-entry
// lock, so a schedule never double-starts across a cluster.
package cron

import (
	"encoding/json"
	"time"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/id"
)

// Schedule is a recurring trigger that starts a workflow instance.
type Schedule struct {
	cascade.Entity

	ID id.CronID `json:"id"`

	// Name uniquely identifies the schedule.
	Name string `json:"name"`

	// Expression is a cron expression ("*/5 * * * *") or a descriptor
	// ("@every 30s", "@hourly").
	Expression string `json:"expression"`

	// DefinitionName names the workflow definition to instantiate.
	DefinitionName string `json:"definition_name"`

	// DefinitionVersion pins a definition version. Zero means latest.
	DefinitionVersion int `json:"definition_version,omitempty"`

	// Input is the initial input passed to each started instance.
	Input json.RawMessage `json:"input,omitempty"`

	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	Enabled     bool       `json:"enabled"`
}
