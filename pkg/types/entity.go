package types

import (
	"time"

	"github.com/google/uuid"
)

// Entity is the live, current-state view of a journaled record.
type Entity struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Attributes Attributes `json:"attributes"`
}

// JournalEntry is an immutable version of an entity's attributes.
// Entry v is valid from RecordedAt until the RecordedAt of v+1.
type JournalEntry struct {
	ID         string     `json:"id"`
	EntityID   string     `json:"entity_id"`
	Version    int64      `json:"version"`
	RecordedAt time.Time  `json:"recorded_at"`
	Payload    Attributes `json:"payload"`
}

// Snapshot is an entity's state as of a timestamp.
type Snapshot struct {
	EntityID   string     `json:"id"`
	Timestamp  string     `json:"timestamp"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	Attributes Attributes `json:"attributes"`
}

// Get returns a snapshot attribute and whether it is present.
func (s *Snapshot) Get(name string) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	return s.Attributes.Get(name)
}

// NewID returns a time-ordered identifier for entities and journal entries.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
