package executor

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tempora/tempora/internal/schema"
	"github.com/tempora/tempora/pkg/types"
)

// Result holds the rows a query produced.
type Result struct {
	Columns []string
	Rows    [][]interface{}
	Elapsed time.Duration
}

// Len returns the number of rows.
func (r *Result) Len() int {
	return len(r.Rows)
}

// Records returns each row as a column→value map.
func (r *Result) Records() []map[string]interface{} {
	out := make([]map[string]interface{}, len(r.Rows))
	for i, row := range r.Rows {
		rec := make(map[string]interface{}, len(r.Columns))
		for j, col := range r.Columns {
			rec[col] = row[j]
		}
		out[i] = rec
	}
	return out
}

// IDs returns the id column of every row.
func (r *Result) IDs() ([]string, error) {
	idx := r.column("id")
	if idx < 0 {
		return nil, fmt.Errorf("executor: result has no id column (columns: %v)", r.Columns)
	}
	ids := make([]string, 0, len(r.Rows))
	for _, row := range r.Rows {
		ids = append(ids, asString(row[idx]))
	}
	return ids, nil
}

// Snapshots decodes rows into snapshots. Document columns (payload or
// attributes) are expanded first; other non-meta columns are added as
// attributes and override document fields of the same name.
func (r *Result) Snapshots() ([]types.Snapshot, error) {
	out := make([]types.Snapshot, 0, len(r.Rows))
	for _, row := range r.Rows {
		snap := types.Snapshot{Attributes: types.Attributes{}}

		for j, col := range r.Columns {
			if col != schema.JournalDocumentColumn && col != schema.EntityDocumentColumn {
				continue
			}
			if row[j] == nil {
				continue
			}
			attrs, err := types.DecodeAttributes([]byte(asString(row[j])))
			if err != nil {
				return nil, err
			}
			for k, v := range attrs {
				snap.Attributes[k] = v
			}
		}

		for j, col := range r.Columns {
			v := row[j]
			switch col {
			case schema.JournalDocumentColumn, schema.EntityDocumentColumn:
			case "id":
				snap.EntityID = asString(v)
			case "timestamp":
				snap.Timestamp = asString(v)
			case "version":
				n, err := asInt(v)
				if err != nil {
					return nil, fmt.Errorf("executor: version column: %w", err)
				}
				snap.Version = n
			case "created_at", "updated_at":
				t, err := asTime(v)
				if err != nil {
					return nil, fmt.Errorf("executor: %s column: %w", col, err)
				}
				if col == "created_at" {
					snap.CreatedAt = t
				} else {
					snap.UpdatedAt = t
				}
			default:
				snap.Attributes[col] = types.ValueOf(v)
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

func (r *Result) column(name string) int {
	for i, c := range r.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func asInt(v interface{}) (int64, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	default:
		return strconv.ParseInt(asString(v), 10, 64)
	}
}

func asTime(v interface{}) (time.Time, error) {
	switch val := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return val.UTC(), nil
	default:
		return types.ParseStorageTime(asString(v))
	}
}
