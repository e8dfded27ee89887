package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/id"
)

// RegisterDefinition persists a validated definition. The (name,
// version) unique constraint backs ErrDefinitionExists.
func (s *Store) RegisterDefinition(ctx context.Context, def *definition.Definition) error {
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("cascade/postgres: marshal steps: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cascade_definitions (id, name, version, steps, timeout, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		def.ID.String(), def.Name, def.Version, steps, int64(def.Timeout),
		def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return cascade.ErrDefinitionExists
		}
		return fmt.Errorf("cascade/postgres: register definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*definition.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, version, steps, timeout, created_at, updated_at
		FROM cascade_definitions
		WHERE id = $1`,
		defID.String(),
	)

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get definition: %w", err)
	}
	return def, nil
}

// GetDefinitionByName retrieves a definition by name. Version zero
// means the highest registered version.
func (s *Store) GetDefinitionByName(ctx context.Context, name string, version int) (*definition.Definition, error) {
	var row pgx.Row
	if version == 0 {
		row = s.pool.QueryRow(ctx, `
			SELECT id, name, version, steps, timeout, created_at, updated_at
			FROM cascade_definitions
			WHERE name = $1
			ORDER BY version DESC
			LIMIT 1`,
			name,
		)
	} else {
		row = s.pool.QueryRow(ctx, `
			SELECT id, name, version, steps, timeout, created_at, updated_at
			FROM cascade_definitions
			WHERE name = $1 AND version = $2`,
			name, version,
		)
	}

	def, err := scanDefinition(row)
	if err != nil {
		if isNoRows(err) {
			return nil, cascade.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("cascade/postgres: get definition by name: %w", err)
	}
	return def, nil
}

// ListDefinitions returns registered definitions ordered by name and
// version.
func (s *Store) ListDefinitions(ctx context.Context, opts definition.ListOpts) ([]*definition.Definition, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // LIMIT ALL
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, version, steps, timeout, created_at, updated_at
		FROM cascade_definitions
		ORDER BY name ASC, version ASC
		LIMIT NULLIF($1, -1) OFFSET $2`,
		limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var defs []*definition.Definition
	for rows.Next() {
		def, scanErr := scanDefinition(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("cascade/postgres: scan definition row: %w", scanErr)
		}
		defs = append(defs, def)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("cascade/postgres: iterate definition rows: %w", err)
	}
	return defs, nil
}

// scanDefinition scans a single definition row.
func scanDefinition(row pgx.Row) (*definition.Definition, error) {
	var (
		def     definition.Definition
		idStr   string
		steps   []byte
		timeout int64
	)
	err := row.Scan(&idStr, &def.Name, &def.Version, &steps, &timeout, &def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return nil, err
	}

	def.ID, err = id.ParseDefinitionID(idStr)
	if err != nil {
		return nil, fmt.Errorf("cascade/postgres: parse definition id %q: %w", idStr, err)
	}
	if err = json.Unmarshal(steps, &def.Steps); err != nil {
		return nil, fmt.Errorf("cascade/postgres: unmarshal steps: %w", err)
	}
	def.Timeout = time.Duration(timeout)
	return &def, nil
}
