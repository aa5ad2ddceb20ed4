// Package store persists live entities and their append-only journals.
package store

import (
	"context"
	"time"

	"github.com/tempora/tempora/pkg/types"
)

// EntityStore reads and writes the live view of entities.
type EntityStore interface {
	// CreateEntity inserts a new live entity.
	CreateEntity(ctx context.Context, e *types.Entity) error

	// UpdateEntity replaces the live attributes of an existing entity.
	UpdateEntity(ctx context.Context, e *types.Entity) error

	// GetEntity retrieves a single entity by id.
	GetEntity(ctx context.Context, kind, id string) (*types.Entity, error)

	// GetEntities retrieves the entities with the given ids, in id order.
	// Unknown ids are skipped.
	GetEntities(ctx context.Context, kind string, ids []string) ([]*types.Entity, error)

	// CreationTimes returns the creation instant of each known id.
	CreationTimes(ctx context.Context, kind string, ids []string) (map[string]time.Time, error)

	// ListIDs returns the ids of every entity of a kind.
	ListIDs(ctx context.Context, kind string) ([]string, error)
}

// JournalStore reads and appends journal entries.
type JournalStore interface {
	// Append records a new version. A zero Version is assigned the next one;
	// otherwise Version must exceed every recorded version of the entity.
	Append(ctx context.Context, kind string, entry *types.JournalEntry) error

	// Entries returns every entry of an entity ordered by version.
	Entries(ctx context.Context, kind, entityID string) ([]*types.JournalEntry, error)

	// EntryAt returns the entry valid at instant: the one with the greatest
	// RecordedAt not after it. It returns nil when there is none.
	EntryAt(ctx context.Context, kind, entityID string, instant time.Time) (*types.JournalEntry, error)
}
