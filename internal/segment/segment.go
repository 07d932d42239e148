// Package segment implements the data file format shared by both backends:
// a snappy-compressed JSON block of rows with a fixed magic prefix. Alongside
// the encoded bytes the writer produces per-column min/max statistics and a
// cell-level bloom filter used for upsert pruning.
package segment

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/tarndb/tarn/internal/bloom"
	"github.com/tarndb/tarn/pkg/types"
)

// magic identifies a Tarn segment file.
var magic = []byte("TSG1")

// MinMax holds min/max values for a column. Values are JSON-typed; only
// string and float64 columns carry bounds, other types are skipped.
type MinMax struct {
	Min interface{} `json:"min"`
	Max interface{} `json:"max"`
}

// Info describes an encoded segment.
type Info struct {
	RowCount  int64
	SizeBytes int64
	Stats     map[string]MinMax
	Filter    *bloom.KeyFilter
}

// Encode serializes rows into segment bytes and computes the segment's
// metadata. Rows are normalized first so the encoded content matches what a
// reader will decode.
func Encode(rows []types.Row) ([]byte, *Info, error) {
	normalized, err := types.NormalizeRows(rows)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(normalized)
	if err != nil {
		return nil, nil, fmt.Errorf("segment: failed to encode rows: %w", err)
	}

	compressed := snappy.Encode(nil, payload)
	data := make([]byte, 0, len(magic)+len(compressed))
	data = append(data, magic...)
	data = append(data, compressed...)

	info := &Info{
		RowCount:  int64(len(normalized)),
		SizeBytes: int64(len(data)),
		Stats:     make(map[string]MinMax),
	}

	// Size the cell filter for one entry per cell.
	cells := 0
	for _, r := range normalized {
		cells += len(r)
	}
	info.Filter = bloom.NewWithEstimates(cells, 0.01)

	for _, r := range normalized {
		for col, val := range r {
			h, err := CellHash(col, val)
			if err != nil {
				return nil, nil, err
			}
			info.Filter.Add(h)
			updateStats(info.Stats, col, val)
		}
	}

	return data, info, nil
}

// Decode parses segment bytes back into rows.
func Decode(data []byte) ([]types.Row, error) {
	if len(data) < len(magic) || !bytes.Equal(data[:len(magic)], magic) {
		return nil, fmt.Errorf("segment: bad magic, not a segment file")
	}

	payload, err := snappy.Decode(nil, data[len(magic):])
	if err != nil {
		return nil, fmt.Errorf("segment: failed to decompress: %w", err)
	}

	var rows []types.Row
	if err := json.Unmarshal(payload, &rows); err != nil {
		return nil, fmt.Errorf("segment: failed to decode rows: %w", err)
	}
	return rows, nil
}

// CellHash hashes a single (column, value) cell. The upsert planner checks
// every match-key cell of a candidate row against a segment's filter; a
// segment can only hold a matching row if all cells might be present.
func CellHash(column string, value any) (uint64, error) {
	b, err := types.Row{column: value}.Canonical()
	if err != nil {
		return 0, err
	}
	return murmur3.Sum64(b), nil
}

// MightContainKeys reports whether a segment filter could hold a row whose
// match-key cells equal those of the given row. A nil filter prunes nothing.
func MightContainKeys(filter *bloom.KeyFilter, row types.Row, matchKeys []string) (bool, error) {
	if filter == nil {
		return true, nil
	}
	for _, k := range matchKeys {
		v, ok := row[k]
		if !ok {
			return false, fmt.Errorf("segment: row is missing match key column %q", k)
		}
		h, err := CellHash(k, v)
		if err != nil {
			return false, err
		}
		if !filter.MightContain(h) {
			return false, nil
		}
	}
	return true, nil
}

// updateStats folds a cell value into the per-column min/max bounds.
func updateStats(stats map[string]MinMax, col string, val any) {
	switch v := val.(type) {
	case float64:
		mm, ok := stats[col]
		if !ok {
			stats[col] = MinMax{Min: v, Max: v}
			return
		}
		min, minOK := mm.Min.(float64)
		max, maxOK := mm.Max.(float64)
		if !minOK || !maxOK {
			// Mixed-type column, bounds are meaningless.
			delete(stats, col)
			return
		}
		if v < min {
			mm.Min = v
		}
		if v > max {
			mm.Max = v
		}
		stats[col] = mm
	case string:
		mm, ok := stats[col]
		if !ok {
			stats[col] = MinMax{Min: v, Max: v}
			return
		}
		min, minOK := mm.Min.(string)
		max, maxOK := mm.Max.(string)
		if !minOK || !maxOK {
			delete(stats, col)
			return
		}
		if v < min {
			mm.Min = v
		}
		if v > max {
			mm.Max = v
		}
		stats[col] = mm
	}
}
