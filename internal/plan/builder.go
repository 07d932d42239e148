package plan

import (
	"fmt"
	"sort"
	"strings"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/pkg/types"
)

// maxNameDraws bounds append-mode name generation. A drawn name colliding
// with an existing file is re-drawn; exhausting the budget means the namer
// is broken, which is a correctness violation rather than bad luck.
const maxNameDraws = 16

// Builder builds write plans. The zero value is not usable; NewBuilder wires
// the default token-based file namer.
type Builder struct {
	namer types.FileNamer
}

// NewBuilder creates a Builder with the default file namer.
func NewBuilder() *Builder {
	return &Builder{namer: types.NewTokenNamer()}
}

// NewBuilderWithNamer creates a Builder with a custom namer, used by tests
// and by Append modes carrying their own uniqueness strategy.
func NewBuilderWithNamer(namer types.FileNamer) *Builder {
	return &Builder{namer: namer}
}

// BuildPlan computes the intended effect of writing rows to a target in the
// given mode. It never touches persistent state; state must be a snapshot
// captured by the caller.
func BuildPlan(state State, rows []types.Row, mode types.WriteMode, partitionKeys []string) (*Plan, error) {
	return NewBuilder().Build(state, rows, mode, partitionKeys)
}

// Build computes the plan. See BuildPlan.
func (b *Builder) Build(state State, rows []types.Row, mode types.WriteMode, partitionKeys []string) (*Plan, error) {
	if mode == nil {
		return nil, terr.NewValidationError(terr.CodeInvalidMode, "write mode is required")
	}
	if len(rows) == 0 {
		return nil, terr.NewValidationError(terr.CodeEmptyBatch, "desired data is empty")
	}

	normalized, err := types.NormalizeRows(rows)
	if err != nil {
		return nil, terr.NewInternalError("failed to normalize rows", err)
	}

	if err := validatePartitionColumns(normalized, partitionKeys); err != nil {
		return nil, err
	}

	namer := b.namer
	if ap, ok := mode.(types.Append); ok && ap.Namer != nil {
		namer = ap.Namer
	}

	p := &Plan{Mode: mode.ModeName(), PartitionKeys: partitionKeys}

	switch mode.(type) {
	case types.Overwrite:
		// Delete everything present, add everything desired. No inspection
		// of existing content beyond the captured file list.
		p.DeleteFiles = append(p.DeleteFiles, state.Files...)
		if len(state.Files) > 0 {
			p.Actions = append(p.Actions, fmt.Sprintf("delete all %d existing files", len(state.Files)))
		}
		if err := b.addGroups(p, normalized, partitionKeys, namer, nil); err != nil {
			return nil, err
		}

	case types.Append:
		if err := b.addGroups(p, normalized, partitionKeys, namer, state.Files); err != nil {
			return nil, err
		}

	case types.Ignore:
		if state.Exists {
			p.Skipped = true
			p.Actions = append(p.Actions, "target exists, write skipped")
			return p, nil
		}
		if err := b.addGroups(p, normalized, partitionKeys, namer, nil); err != nil {
			return nil, err
		}

	case types.ReplacePartitions:
		if len(partitionKeys) == 0 {
			return nil, terr.NewValidationError(terr.CodeEmptyPartitionKeys,
				"replace_partitions requires a non-empty partition key set")
		}
		groups, order, err := groupByPartition(normalized, partitionKeys)
		if err != nil {
			return nil, err
		}
		taken := takenNames(state.Files)
		// Only partitions present in the desired data are touched.
		for _, label := range order {
			var doomed int
			for _, f := range state.Files {
				if partitionLabel(partitionKeys, f.PartitionValues) == label {
					p.DeleteFiles = append(p.DeleteFiles, f)
					doomed++
				}
			}
			if doomed > 0 {
				p.Actions = append(p.Actions, fmt.Sprintf("replace partition %s (%d files)", label, doomed))
			} else {
				p.Actions = append(p.Actions, fmt.Sprintf("create partition %s", label))
			}
			add, err := b.newAdd(groups[label], partitionKeys, namer, taken)
			if err != nil {
				return nil, err
			}
			p.Adds = append(p.Adds, add)
			p.Actions = append(p.Actions, fmt.Sprintf("add file %s (%d rows)", add.Name, len(add.Rows)))
		}
		return p, nil

	default:
		return nil, terr.NewValidationError(terr.CodeInvalidMode,
			fmt.Sprintf("unsupported write mode %q", mode.ModeName()))
	}

	return p, nil
}

// addGroups groups rows by partition and appends one FileAdd per group.
// existing is the file set names must not collide with; names drawn for
// earlier groups in the same plan are off limits too.
func (b *Builder) addGroups(p *Plan, rows []types.Row, partitionKeys []string, namer types.FileNamer, existing []ExistingFile) error {
	groups, order, err := groupByPartition(rows, partitionKeys)
	if err != nil {
		return err
	}
	taken := takenNames(existing)
	for _, label := range order {
		add, err := b.newAdd(groups[label], partitionKeys, namer, taken)
		if err != nil {
			return err
		}
		p.Adds = append(p.Adds, add)
		if label == "(unpartitioned)" {
			p.Actions = append(p.Actions, fmt.Sprintf("add file %s (%d rows)", add.Name, len(add.Rows)))
		} else {
			p.Actions = append(p.Actions, fmt.Sprintf("add file %s/%s (%d rows)", label, add.Name, len(add.Rows)))
		}
	}
	return nil
}

// newAdd builds a FileAdd with a name guaranteed absent from taken, and
// marks the drawn name as taken for subsequent adds in the same plan.
func (b *Builder) newAdd(rows []types.Row, partitionKeys []string, namer types.FileNamer, taken map[string]bool) (FileAdd, error) {
	var name string
	for i := 0; i < maxNameDraws; i++ {
		candidate := namer.NextName()
		if !taken[candidate] {
			name = candidate
			taken[candidate] = true
			break
		}
	}
	if name == "" {
		return FileAdd{}, terr.NewInternalError(
			fmt.Sprintf("file namer produced %d colliding names in a row", maxNameDraws), nil)
	}

	pv := map[string]string{}
	if len(partitionKeys) > 0 && len(rows) > 0 {
		vals, err := rows[0].PartitionValues(partitionKeys)
		if err != nil {
			return FileAdd{}, terr.NewValidationError(terr.CodeMissingPartitionColumn, err.Error())
		}
		for i, k := range partitionKeys {
			pv[k] = vals[i]
		}
	}

	return FileAdd{Name: name, PartitionValues: pv, Rows: rows}, nil
}

// validatePartitionColumns rejects the plan when a declared partition column
// is absent from any input row.
func validatePartitionColumns(rows []types.Row, partitionKeys []string) error {
	for _, k := range partitionKeys {
		if k == "" {
			return terr.NewValidationError(terr.CodeEmptyPartitionKeys, "partition key names must be non-empty")
		}
		for i, r := range rows {
			if !r.Has(k) {
				return terr.NewValidationError(terr.CodeMissingPartitionColumn,
					fmt.Sprintf("partition column %q is absent from input row %d", k, i))
			}
		}
	}
	return nil
}

// groupByPartition splits rows into per-partition groups keyed by label.
// With no partition keys all rows form the single "(unpartitioned)" group.
// Group order follows first appearance in the input for a stable action log.
func groupByPartition(rows []types.Row, partitionKeys []string) (map[string][]types.Row, []string, error) {
	groups := make(map[string][]types.Row)
	var order []string

	if len(partitionKeys) == 0 {
		groups["(unpartitioned)"] = rows
		return groups, []string{"(unpartitioned)"}, nil
	}

	for i, r := range rows {
		vals, err := r.PartitionValues(partitionKeys)
		if err != nil {
			return nil, nil, terr.NewValidationError(terr.CodeMissingPartitionColumn,
				fmt.Sprintf("row %d: %v", i, err))
		}
		pv := make(map[string]string, len(partitionKeys))
		for j, k := range partitionKeys {
			pv[k] = vals[j]
		}
		label := partitionLabel(partitionKeys, pv)
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], r)
	}
	return groups, order, nil
}

// DistinctPartitions returns the sorted distinct partition labels present in
// rows, for preview reporting.
func DistinctPartitions(rows []types.Row, partitionKeys []string) ([]string, error) {
	_, order, err := groupByPartition(rows, partitionKeys)
	if err != nil {
		return nil, err
	}
	sorted := append([]string(nil), order...)
	sort.Strings(sorted)
	return sorted, nil
}

// takenNames collects the bare names of existing files. Token names must be
// unique within the whole target, not just their partition directory.
func takenNames(existing []ExistingFile) map[string]bool {
	taken := make(map[string]bool, len(existing))
	for _, f := range existing {
		taken[baseName(f.Path)] = true
	}
	return taken
}

// baseName returns the final path element.
func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
