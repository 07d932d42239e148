package plan

import (
	"fmt"
	"reflect"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/pkg/types"
)

// CurrentFile is one data file of the table's head snapshot, with its rows
// loaded when the file could contain matched keys. Files pruned by their key
// filter carry nil Rows and are always carried over unchanged.
type CurrentFile struct {
	FileID int64
	Path   string
	Rows   []types.Row
	Pruned bool
}

// UpsertState is the captured view of a catalog table at plan-build time.
type UpsertState struct {
	TableExists bool
	HeadVersion int64
	Files       []CurrentFile
}

// UpsertOptions controls what happens to matched rows.
type UpsertOptions struct {
	// InsertOnly leaves matched rows untouched; only non-matching rows are
	// inserted.
	InsertOnly bool
	// UpdateColumns lists the columns to update on match. Nil means all
	// non-key columns. Must be empty when InsertOnly is set, and must not
	// name a match key.
	UpdateColumns []string
}

// FileRewrite replaces one current file's full content.
type FileRewrite struct {
	FileID int64
	Path   string
	Rows   []types.Row
}

// UpsertPlan records the intended effect of a merge.
type UpsertPlan struct {
	MatchKeys   []string
	HeadVersion int64

	InsertRows   []types.Row
	Rewrites     []FileRewrite
	CarryFileIDs []int64

	InsertCount int64
	UpdateCount int64

	Actions []string
}

// Summary renders the upsert plan as a human-readable report.
func (p *UpsertPlan) Summary() string {
	s := fmt.Sprintf("mode: upsert (match on %v)\nrows to insert: %d\nrows to update: %d\nfiles rewritten: %d\n",
		p.MatchKeys, p.InsertCount, p.UpdateCount, len(p.Rewrites))
	for _, a := range p.Actions {
		s += "  - " + a + "\n"
	}
	return s
}

// BuildUpsertPlan joins the desired rows against the current table content
// on matchKeys and computes which rows insert, which update, and which
// current files must be rewritten. Pure; never touches storage.
//
// Desired rows whose match keys collide are undefined input and rejected:
// inserted + updated counts only add up when the keys uniquely identify rows
// within the desired data.
func BuildUpsertPlan(state UpsertState, rows []types.Row, matchKeys []string, opts UpsertOptions) (*UpsertPlan, error) {
	if len(matchKeys) == 0 {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, "upsert requires at least one match key")
	}
	if len(rows) == 0 {
		return nil, terr.NewValidationError(terr.CodeEmptyBatch, "desired data is empty")
	}
	if opts.InsertOnly && len(opts.UpdateColumns) > 0 {
		return nil, terr.NewValidationError(terr.CodeMissingArgument,
			"insert-only upsert cannot also name update columns")
	}
	keySet := make(map[string]bool, len(matchKeys))
	for _, k := range matchKeys {
		keySet[k] = true
	}
	for _, c := range opts.UpdateColumns {
		if keySet[c] {
			return nil, terr.NewValidationError(terr.CodeMissingArgument,
				fmt.Sprintf("update column %q is a match key", c))
		}
	}

	normalized, err := types.NormalizeRows(rows)
	if err != nil {
		return nil, terr.NewInternalError("failed to normalize rows", err)
	}

	// Index desired rows by key hash, rejecting duplicate keys.
	desired := make(map[uint64]types.Row, len(normalized))
	var keyOrder []uint64
	for i, r := range normalized {
		h, err := r.KeyHash(matchKeys)
		if err != nil {
			return nil, terr.NewValidationError(terr.CodeMissingPartitionColumn,
				fmt.Sprintf("row %d: %v", i, err))
		}
		if _, dup := desired[h]; dup {
			return nil, terr.NewValidationError(terr.CodeDuplicateMatchKeys,
				fmt.Sprintf("match keys %v do not uniquely identify rows in the desired data (row %d repeats an earlier key)", matchKeys, i))
		}
		desired[h] = r
		keyOrder = append(keyOrder, h)
	}

	p := &UpsertPlan{MatchKeys: matchKeys, HeadVersion: state.HeadVersion}
	matched := make(map[uint64]bool)

	for _, cf := range state.Files {
		if cf.Pruned || cf.Rows == nil {
			p.CarryFileIDs = append(p.CarryFileIDs, cf.FileID)
			continue
		}

		changed := false
		newRows := make([]types.Row, len(cf.Rows))
		for i, cur := range cf.Rows {
			h, err := cur.KeyHash(matchKeys)
			if err != nil {
				// Current rows missing a key column can never match.
				newRows[i] = cur
				continue
			}
			want, ok := desired[h]
			if !ok || !keysEqual(cur, want, matchKeys) {
				// A hash hit alone is not a match: distinct key values can
				// collide, and colliding rows must stay untouched.
				newRows[i] = cur
				continue
			}
			matched[h] = true
			if opts.InsertOnly {
				newRows[i] = cur
				continue
			}
			updated := applyUpdate(cur, want, matchKeys, opts.UpdateColumns)
			newRows[i] = updated
			changed = true
		}

		if changed {
			p.Rewrites = append(p.Rewrites, FileRewrite{FileID: cf.FileID, Path: cf.Path, Rows: newRows})
			p.Actions = append(p.Actions, fmt.Sprintf("rewrite %s (%d rows)", cf.Path, len(newRows)))
		} else {
			p.CarryFileIDs = append(p.CarryFileIDs, cf.FileID)
		}
	}

	// Unmatched desired rows insert, in input order.
	for _, h := range keyOrder {
		if !matched[h] {
			p.InsertRows = append(p.InsertRows, desired[h])
		}
	}
	p.InsertCount = int64(len(p.InsertRows))
	p.UpdateCount = int64(len(matched))
	if len(p.InsertRows) > 0 {
		p.Actions = append(p.Actions, fmt.Sprintf("insert %d new rows", len(p.InsertRows)))
	}
	if p.UpdateCount > 0 && !opts.InsertOnly {
		p.Actions = append(p.Actions, fmt.Sprintf("update %d matched rows", p.UpdateCount))
	}

	return p, nil
}

// keysEqual reports whether two rows carry equal values for every key
// column. Both rows are JSON-normalized, so value comparison is direct.
func keysEqual(a, b types.Row, keys []string) bool {
	for _, k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok || !reflect.DeepEqual(av, bv) {
			return false
		}
	}
	return true
}

// applyUpdate overlays the desired row's columns onto the current row.
// updateCols nil updates every non-key column the desired row carries.
func applyUpdate(current, want types.Row, matchKeys []string, updateCols []string) types.Row {
	out := make(types.Row, len(current))
	for k, v := range current {
		out[k] = v
	}

	isKey := make(map[string]bool, len(matchKeys))
	for _, k := range matchKeys {
		isKey[k] = true
	}

	if updateCols == nil {
		for k, v := range want {
			if !isKey[k] {
				out[k] = v
			}
		}
		return out
	}
	for _, c := range updateCols {
		if v, ok := want[c]; ok {
			out[c] = v
		}
	}
	return out
}
