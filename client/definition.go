package client

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/httpapi"
	"github.com/cascadehq/cascade/id"
)

// RegisterDefinition registers a workflow definition and returns the
// stored copy with its assigned ID.
func (c *Client) RegisterDefinition(ctx context.Context, req httpapi.RegisterDefinitionRequest) (*definition.Definition, error) {
	var def definition.Definition
	if err := c.do(ctx, http.MethodPost, "/v1/definitions", req, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// GetDefinition retrieves a definition by ID.
func (c *Client) GetDefinition(ctx context.Context, defID id.DefinitionID) (*definition.Definition, error) {
	var def definition.Definition
	if err := c.do(ctx, http.MethodGet, "/v1/definitions/"+pathEscape(defID.String()), nil, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// ListDefinitions lists registered definitions with pagination.
func (c *Client) ListDefinitions(ctx context.Context, limit, offset int) ([]*definition.Definition, error) {
	path := "/v1/definitions?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
	var defs []*definition.Definition
	if err := c.do(ctx, http.MethodGet, path, nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}
