package projection

import (
	"encoding/json"

	"github.com/tempora/tempora/pkg/types"
)

// Decorated is an entity together with its snapshots and filter matches at a
// list of timestamps.
type Decorated struct {
	entity     *types.Entity
	timestamps []types.Timestamp

	// Snapshot attributes by canonical timestamp key. A missing key means the
	// entity had no journal entry valid at that timestamp.
	attributes map[string]types.Attributes
	snapshots  map[string]*types.Snapshot

	filtered bool
	matches  map[string]bool

	historic        bool
	existsAtCurrent bool
}

// Entity returns the entity. When the current timestamp is historic its
// attributes are those of the snapshot at the current timestamp.
func (d *Decorated) Entity() *types.Entity {
	return d.entity
}

// ID returns the entity id.
func (d *Decorated) ID() string {
	return d.entity.ID
}

// Timestamps returns the requested timestamps in order.
func (d *Decorated) Timestamps() []types.Timestamp {
	return append([]types.Timestamp(nil), d.timestamps...)
}

// BaselineTimestamp is the first requested timestamp.
func (d *Decorated) BaselineTimestamp() types.Timestamp {
	return d.timestamps[0]
}

// CurrentTimestamp is the last requested timestamp.
func (d *Decorated) CurrentTimestamp() types.Timestamp {
	return d.timestamps[len(d.timestamps)-1]
}

// Historic reports whether the current timestamp lies in the past.
func (d *Decorated) Historic() bool {
	return d.historic
}

// ExistsAtCurrent reports whether the entity had a journal entry at the
// current timestamp. It is always true when the current timestamp is now.
func (d *Decorated) ExistsAtCurrent() bool {
	return d.existsAtCurrent
}

// Attributes returns the entity's attributes as of the current timestamp.
func (d *Decorated) Attributes() types.Attributes {
	return d.entity.Attributes
}

// AttributesAt returns the snapshot attributes at ts and whether a snapshot
// exists. In diff mode only attributes differing from the current ones are
// present.
func (d *Decorated) AttributesAt(ts types.Timestamp) (types.Attributes, bool) {
	attrs, ok := d.attributes[ts.Key()]
	return attrs, ok
}

// AttributesByTimestamp returns all snapshot attributes keyed by canonical
// timestamp.
func (d *Decorated) AttributesByTimestamp() map[string]types.Attributes {
	out := make(map[string]types.Attributes, len(d.attributes))
	for k, v := range d.attributes {
		out[k] = v
	}
	return out
}

// SnapshotAt returns the full snapshot at ts, unaffected by diff mode.
func (d *Decorated) SnapshotAt(ts types.Timestamp) (*types.Snapshot, bool) {
	s, ok := d.snapshots[ts.Key()]
	return s, ok
}

// BaselineAttributes returns the snapshot attributes at the baseline timestamp.
func (d *Decorated) BaselineAttributes() (types.Attributes, bool) {
	return d.AttributesAt(d.BaselineTimestamp())
}

// CurrentAttributes returns the snapshot attributes at the current timestamp.
func (d *Decorated) CurrentAttributes() (types.Attributes, bool) {
	return d.AttributesAt(d.CurrentTimestamp())
}

// Filtered reports whether a filter was evaluated.
func (d *Decorated) Filtered() bool {
	return d.filtered
}

// MatchesAt reports whether the entity matched the filter at ts.
func (d *Decorated) MatchesAt(ts types.Timestamp) bool {
	return d.matches[ts.Key()]
}

// MatchesAtBaseline reports whether the entity matched at the baseline.
func (d *Decorated) MatchesAtBaseline() bool {
	return d.MatchesAt(d.BaselineTimestamp())
}

// MatchesAtCurrent reports whether the entity matched at the current timestamp.
func (d *Decorated) MatchesAtCurrent() bool {
	return d.MatchesAt(d.CurrentTimestamp())
}

// MatchingTimestamps returns the requested timestamps at which the entity
// matched, in request order without duplicates.
func (d *Decorated) MatchingTimestamps() []types.Timestamp {
	var out []types.Timestamp
	seen := make(map[string]bool)
	for _, ts := range d.timestamps {
		key := ts.Key()
		if d.matches[key] && !seen[key] {
			seen[key] = true
			out = append(out, ts)
		}
	}
	return out
}

type decoratedJSON struct {
	ID                    string                      `json:"id"`
	Kind                  string                      `json:"kind"`
	Attributes            types.Attributes            `json:"attributes"`
	BaselineTimestamp     types.Timestamp             `json:"baseline_timestamp"`
	CurrentTimestamp      types.Timestamp             `json:"current_timestamp"`
	Historic              bool                        `json:"historic"`
	ExistsAtCurrent       bool                        `json:"exists_at_current"`
	AttributesByTimestamp map[string]types.Attributes `json:"attributes_by_timestamp"`
	MatchingTimestamps    []types.Timestamp           `json:"matching_timestamps,omitempty"`
}

// MarshalJSON encodes the entity with its snapshots.
func (d *Decorated) MarshalJSON() ([]byte, error) {
	out := decoratedJSON{
		ID:                    d.entity.ID,
		Kind:                  d.entity.Kind,
		Attributes:            d.entity.Attributes,
		BaselineTimestamp:     d.BaselineTimestamp(),
		CurrentTimestamp:      d.CurrentTimestamp(),
		Historic:              d.historic,
		ExistsAtCurrent:       d.existsAtCurrent,
		AttributesByTimestamp: d.attributes,
	}
	if d.filtered {
		out.MatchingTimestamps = d.MatchingTimestamps()
		if out.MatchingTimestamps == nil {
			out.MatchingTimestamps = []types.Timestamp{}
		}
	}
	return json.Marshal(out)
}
