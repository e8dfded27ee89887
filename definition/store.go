package definition

import (
	"context"

	"github.com/cascadehq/cascade/id"
)

// ListOpts controls pagination for definition list queries.
type ListOpts struct {
	// Limit is the maximum number of definitions to return. Zero means
	// no limit.
	Limit int
	// Offset is the number of definitions to skip.
	Offset int
}

// Store defines the persistence contract for workflow definitions.
// Definitions are immutable once registered: re-registering a name
// creates a new version, never mutates an old one.
type Store interface {
	// RegisterDefinition persists a validated definition. Returns
	// ErrDefinitionExists if the same (name, version) pair is already
	// registered.
	RegisterDefinition(ctx context.Context, def *Definition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, defID id.DefinitionID) (*Definition, error)

	// GetDefinitionByName retrieves a definition by name. If version is
	// zero, the highest registered version is returned.
	GetDefinitionByName(ctx context.Context, name string, version int) (*Definition, error)

	// ListDefinitions returns registered definitions.
	ListDefinitions(ctx context.Context, opts ListOpts) ([]*Definition, error)
}
