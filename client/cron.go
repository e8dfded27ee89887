package client

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cascadehq/cascade/cron"
	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
)

// RegisterCron registers a recurring schedule for a definition.
func (c *Client) RegisterCron(ctx context.Context, req httpapi.RegisterCronRequest) (*cron.Schedule, error) {
	var sched cron.Schedule
	if err := c.do(ctx, http.MethodPost, "/v1/crons", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// GetCron retrieves a schedule by ID.
func (c *Client) GetCron(ctx context.Context, cronID id.CronID) (*cron.Schedule, error) {
	var sched cron.Schedule
	if err := c.do(ctx, http.MethodGet, "/v1/crons/"+pathEscape(cronID.String()), nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// ListCrons lists schedules with pagination.
func (c *Client) ListCrons(ctx context.Context, limit, offset int) ([]*cron.Schedule, error) {
	path := "/v1/crons?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var scheds []*cron.Schedule
	if err := c.do(ctx, http.MethodGet, path, nil, &scheds); err != nil {
		return nil, err
	}
	return scheds, nil
}

// EnableCron resumes firing of a disabled schedule.
func (c *Client) EnableCron(ctx context.Context, cronID id.CronID) (*cron.Schedule, error) {
	return c.setCronEnabled(ctx, cronID, "enable")
}

// DisableCron pauses a schedule without deleting it.
func (c *Client) DisableCron(ctx context.Context, cronID id.CronID) (*cron.Schedule, error) {
	return c.setCronEnabled(ctx, cronID, "disable")
}

func (c *Client) setCronEnabled(ctx context.Context, cronID id.CronID, action string) (*cron.Schedule, error) {
	var sched cron.Schedule
	path := "/v1/crons/" + pathEscape(cronID.String()) + "/" + action
	if err := c.do(ctx, http.MethodPost, path, nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// DeleteCron removes a schedule.
func (c *Client) DeleteCron(ctx context.Context, cronID id.CronID) error {
	return c.do(ctx, http.MethodDelete, "/v1/crons/"+pathEscape(cronID.String()), nil, nil)
}
