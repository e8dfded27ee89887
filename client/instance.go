package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
)

// StartInstance starts an instance of the definition with the given
// input. The input is marshaled to JSON as-is; pass json.RawMessage
// to send a pre-encoded body.
func (c *Client) StartInstance(ctx context.Context, defID id.DefinitionID, input any) (*httpapi.StartInstanceResponse, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("cascade/client: marshal input: %w", err)
	}

	var started httpapi.StartInstanceResponse
	path := "/v1/workflows/" + pathEscape(defID.String()) + "/instances"
	if err := c.do(ctx, http.MethodPost, path, json.RawMessage(raw), &started); err != nil {
		return nil, err
	}
	return &started, nil
}

// GetInstance retrieves the current view of an instance.
func (c *Client) GetInstance(ctx context.Context, instanceID string) (*httpapi.InstanceView, error) {
	var view httpapi.InstanceView
	if err := c.do(ctx, http.MethodGet, "/v1/instances/"+pathEscape(instanceID), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// CancelInstance cancels a running instance. Terminal instances
// return a conflict error, detectable with IsConflict.
func (c *Client) CancelInstance(ctx context.Context, instanceID, reason string) error {
	path := "/v1/instances/" + pathEscape(instanceID)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
