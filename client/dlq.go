package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cascadehq/cascade/dlq"
	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
)

// DLQFilter narrows a dead letter queue listing.
type DLQFilter struct {
	TargetService string
	Limit         int
	Offset        int
}

// ListDLQ lists dead letter entries, newest first.
func (c *Client) ListDLQ(ctx context.Context, filter DLQFilter) ([]*dlq.Entry, error) {
	q := url.Values{}
	if filter.TargetService != "" {
		q.Set("target_service", filter.TargetService)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	path := "/v1/dlq"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var entries []*dlq.Entry
	if err := c.do(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// CountDLQ returns the number of dead letter entries.
func (c *Client) CountDLQ(ctx context.Context) (int64, error) {
	var resp httpapi.DLQCountResponse
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/count", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetDLQ retrieves a single dead letter entry.
func (c *Client) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var entry dlq.Entry
	if err := c.do(ctx, http.MethodGet, "/v1/dlq/"+pathEscape(entryID.String()), nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// ReplayDLQ starts a fresh instance of the workflow the entry's failed
// run belonged to.
func (c *Client) ReplayDLQ(ctx context.Context, entryID id.DLQID) (*httpapi.ReplayDLQResponse, error) {
	var resp httpapi.ReplayDLQResponse
	path := "/v1/dlq/" + pathEscape(entryID.String()) + "/replay"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PurgeDLQ removes entries that failed before the cutoff and returns
// how many were removed.
func (c *Client) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	var resp httpapi.PurgeDLQResponse
	req := httpapi.PurgeDLQRequest{Before: before}
	if err := c.do(ctx, http.MethodPost, "/v1/dlq/purge", req, &resp); err != nil {
		return 0, err
	}
	return resp.Purged, nil
}
