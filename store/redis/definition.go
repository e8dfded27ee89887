package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/cascadehq/cascade"
	"github.com/cascadehq/cascade/definition"
	"github.com/cascadehq/cascade/id"
)

// definitionNameField builds the duplicate-detection field for a
// (name, version) pair.
func definitionNameField(name string, version int) string {
	return fmt.Sprintf("%s@%d", name, version)
}

// RegisterDefinition persists a validated definition. The name hash
// provides (name, version) duplicate detection.
func (s *Store) RegisterDefinition(ctx context.Context, def *definition.Definition) error {
	defID := def.ID.String()
	field := definitionNameField(def.Name, def.Version)

	added, err := s.rdb.HSetNX(ctx, definitionNamesKey, field, defID).Result()
	if err != nil {
		return fmt.Errorf("cascade/redis: register definition claim name: %w", err)
	}
	if !added {
		return cascade.ErrDefinitionExists
	}

	if err := s.setEntity(ctx, definitionKey(defID), def); err != nil {
		return fmt.Errorf("cascade/redis: register definition set: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, definitionIDsKey, defID)
	pipe.ZAdd(ctx, definitionVersionsKey(def.Name), redis.Z{
		Score:  float64(def.Version),
		Member: defID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cascade/redis: register definition index: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition by ID.
func (s *Store) GetDefinition(ctx context.Context, defID id.DefinitionID) (*definition.Definition, error) {
	var def definition.Definition
	if err := s.getEntity(ctx, definitionKey(defID.String()), &def); err != nil {
		if isRedisNil(err) {
			return nil, cascade.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("cascade/redis: get definition: %w", err)
	}
	return &def, nil
}

// GetDefinitionByName retrieves a definition by name. Version zero
// means the highest registered version.
func (s *Store) GetDefinitionByName(ctx context.Context, name string, version int) (*definition.Definition, error) {
	var defID string
	if version == 0 {
		members, err := s.rdb.ZRevRange(ctx, definitionVersionsKey(name), 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("cascade/redis: latest version lookup: %w", err)
		}
		if len(members) == 0 {
			return nil, cascade.ErrDefinitionNotFound
		}
		defID = members[0]
	} else {
		var err error
		defID, err = s.rdb.HGet(ctx, definitionNamesKey, definitionNameField(name, version)).Result()
		if err != nil {
			if isRedisNil(err) {
				return nil, cascade.ErrDefinitionNotFound
			}
			return nil, fmt.Errorf("cascade/redis: name lookup: %w", err)
		}
	}

	var def definition.Definition
	if err := s.getEntity(ctx, definitionKey(defID), &def); err != nil {
		if isRedisNil(err) {
			return nil, cascade.ErrDefinitionNotFound
		}
		return nil, fmt.Errorf("cascade/redis: get definition by name: %w", err)
	}
	return &def, nil
}

// ListDefinitions returns registered definitions ordered by name and
// version.
func (s *Store) ListDefinitions(ctx context.Context, opts definition.ListOpts) ([]*definition.Definition, error) {
	ids, err := s.rdb.SMembers(ctx, definitionIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("cascade/redis: list definitions: %w", err)
	}

	defs := make([]*definition.Definition, 0, len(ids))
	for _, defID := range ids {
		var def definition.Definition
		if err := s.getEntity(ctx, definitionKey(defID), &def); err != nil {
			if isRedisNil(err) {
				continue
			}
			return nil, fmt.Errorf("cascade/redis: fetch definition %s: %w", defID, err)
		}
		defs = append(defs, &def)
	}

	sort.Slice(defs, func(i, j int) bool {
		if defs[i].Name != defs[j].Name {
			return defs[i].Name < defs[j].Name
		}
		return defs[i].Version < defs[j].Version
	})
	return paginate(defs, opts.Limit, opts.Offset), nil
}

// paginate applies limit/offset to a sorted slice. Zero limit means
// no limit.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
