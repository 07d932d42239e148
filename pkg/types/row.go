// Package types provides core data types shared by the Tarn engines.
package types

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"
)

// Row is a single data row. Values are JSON-typed: string, float64, bool,
// nil, or nested arrays/objects of the same. Rows read back from a segment
// always carry these types regardless of what the writer supplied.
type Row map[string]any

// Columns returns the row's column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

// Has reports whether the row contains a value for the column.
// A column holding an explicit nil still counts as present.
func (r Row) Has(column string) bool {
	_, ok := r[column]
	return ok
}

// Canonical returns a deterministic JSON encoding of the row.
// encoding/json sorts map keys, so equal rows encode identically.
func (r Row) Canonical() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("types: failed to encode row: %w", err)
	}
	return b, nil
}

// Fingerprint returns a 64-bit identity hash of the full row, used for
// row-level set difference. Rows with equal canonical encodings always
// collide; unequal rows collide only with murmur3's hash probability.
func (r Row) Fingerprint() (uint64, error) {
	b, err := r.Canonical()
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(b), nil
}

// KeyHash returns a 64-bit hash of the row restricted to the given key
// columns. Used to join desired rows against current rows during upsert
// planning and to populate per-segment key filters.
func (r Row) KeyHash(keys []string) (uint64, error) {
	sub := make(Row, len(keys))
	for _, k := range keys {
		v, ok := r[k]
		if !ok {
			return 0, fmt.Errorf("types: row is missing key column %q", k)
		}
		sub[k] = v
	}
	b, err := sub.Canonical()
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(b), nil
}

// Normalize round-trips the row through JSON so in-memory values take the
// same types a segment read would produce. Plan previews hash desired rows;
// without normalization an int written by a caller and the float64 read
// back from storage would fingerprint differently.
func (r Row) Normalize() (Row, error) {
	b, err := r.Canonical()
	if err != nil {
		return nil, err
	}
	var out Row
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("types: failed to decode row: %w", err)
	}
	return out, nil
}

// NormalizeRows normalizes a batch of rows.
func NormalizeRows(rows []Row) ([]Row, error) {
	out := make([]Row, len(rows))
	for i, r := range rows {
		n, err := r.Normalize()
		if err != nil {
			return nil, fmt.Errorf("types: row %d: %w", i, err)
		}
		out[i] = n
	}
	return out, nil
}

// PartitionValues extracts the row's values for the given partition columns
// as strings, in column order. Every partition column must be present.
func (r Row) PartitionValues(columns []string) ([]string, error) {
	vals := make([]string, len(columns))
	for i, c := range columns {
		v, ok := r[c]
		if !ok {
			return nil, fmt.Errorf("types: row is missing partition column %q", c)
		}
		vals[i] = FormatPartitionValue(v)
	}
	return vals, nil
}

// FormatPartitionValue renders a partition column value as a path-stable
// string. Floats that carry integral values print without a fraction so
// that JSON round-tripping does not change partition identity.
func FormatPartitionValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "__NULL__"
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case int:
		return fmt.Sprintf("%d", t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
