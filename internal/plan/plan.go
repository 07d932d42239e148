// Package plan computes the intended effect of a write before anything
// touches storage. A Plan is a pure function of the captured current state,
// the desired data, and the write mode; preview entry points return its
// summary and stop, write entry points hand the same Plan to an execution
// engine. Plans are ephemeral and consumed at most once.
package plan

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/tarndb/tarn/pkg/types"
)

// ExistingFile is one file currently present at the target location.
type ExistingFile struct {
	// Path is the file's path relative to the dataset root.
	Path string
	// PartitionValues are the partition column values encoded in the path,
	// empty for unpartitioned files.
	PartitionValues map[string]string
}

// State is the captured view of a folder-backend target at plan-build time.
// The window between capture and execution is inherent to the backend; the
// ignore mode's existence check is best-effort, not a guarantee.
type State struct {
	Exists bool
	Files  []ExistingFile
}

// FileAdd is one new file the plan creates. Name is the bare file name; the
// executing engine decides the enclosing directory from PartitionValues.
type FileAdd struct {
	Name            string
	PartitionValues map[string]string
	Rows            []types.Row
}

// Plan records the intended effect of a write.
type Plan struct {
	Mode          string
	PartitionKeys []string

	// Skipped marks an ignore-mode no-op: the target already existed.
	// A skipped plan deletes and adds nothing and is a success outcome.
	Skipped bool

	DeleteFiles []ExistingFile
	Adds        []FileAdd

	Actions []string
}

// RowCount returns the total number of rows the plan adds.
func (p *Plan) RowCount() int64 {
	var n int64
	for _, a := range p.Adds {
		n += int64(len(a.Rows))
	}
	return n
}

// Partitions returns the distinct partition paths the plan touches, sorted.
func (p *Plan) Partitions() []string {
	seen := map[string]bool{}
	for _, a := range p.Adds {
		seen[partitionLabel(p.PartitionKeys, a.PartitionValues)] = true
	}
	for _, d := range p.DeleteFiles {
		seen[partitionLabel(p.PartitionKeys, d.PartitionValues)] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Summary renders the plan as a human-readable report.
func (p *Plan) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "mode: %s\n", p.Mode)
	if p.Skipped {
		b.WriteString("skipped: target already exists, nothing to do\n")
		return b.String()
	}
	fmt.Fprintf(&b, "files to delete: %d\n", len(p.DeleteFiles))
	fmt.Fprintf(&b, "files to add: %d (%d rows)\n", len(p.Adds), p.RowCount())
	for _, a := range p.Actions {
		fmt.Fprintf(&b, "  - %s\n", a)
	}
	return b.String()
}

// partitionLabel renders partition values as escaped key=value segments in
// key order, or "(unpartitioned)". Keys and values are escaped so the label
// is injective over value combinations: a value containing "/" or "=" cannot
// produce the same label as a different combination. The encoding matches the
// folder backend's partition paths.
func partitionLabel(keys []string, values map[string]string) string {
	if len(keys) == 0 || len(values) == 0 {
		return "(unpartitioned)"
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v, ok := values[k]; ok {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "/")
}
