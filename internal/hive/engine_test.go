package hive

import (
	"context"
	"testing"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/plan"
	"github.com/tarndb/tarn/internal/storage"
	"github.com/tarndb/tarn/pkg/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return NewEngine(store)
}

func write(t *testing.T, e *Engine, ref types.DatasetRef, rows []types.Row, mode types.WriteMode, partitionKeys []string) *WriteResult {
	t.Helper()
	state, err := e.CaptureState(context.Background(), ref)
	if err != nil {
		t.Fatalf("failed to capture state: %v", err)
	}
	p, err := plan.BuildPlan(state, rows, mode, partitionKeys)
	if err != nil {
		t.Fatalf("failed to build plan: %v", err)
	}
	res, err := e.Execute(context.Background(), ref, p)
	if err != nil {
		t.Fatalf("failed to execute plan: %v", err)
	}
	return res
}

func TestEngine_OverwriteReplacesContent(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}
	ctx := context.Background()

	write(t, e, ref, []types.Row{{"id": 1}, {"id": 2}}, types.Overwrite{}, nil)
	write(t, e, ref, []types.Row{{"id": 3}}, types.Overwrite{}, nil)

	rows, err := e.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("overwrite must replace content: got %d rows, want 1", len(rows))
	}
	if rows[0]["id"] != float64(3) {
		t.Errorf("unexpected surviving row: %+v", rows[0])
	}
}

func TestEngine_AppendAccumulates(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}
	ctx := context.Background()

	write(t, e, ref, []types.Row{{"id": 1}}, types.Append{}, nil)
	write(t, e, ref, []types.Row{{"id": 2}}, types.Append{}, nil)

	rows, err := e.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("append must accumulate: got %d rows, want 2", len(rows))
	}
}

func TestEngine_IgnoreIsSilentOnExistingTarget(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}
	ctx := context.Background()

	write(t, e, ref, []types.Row{{"id": 1}}, types.Overwrite{}, nil)
	res := write(t, e, ref, []types.Row{{"id": 999}}, types.Ignore{}, nil)

	if !res.Skipped {
		t.Fatalf("ignore on existing target must report skipped")
	}
	rows, err := e.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != float64(1) {
		t.Errorf("ignore must leave existing content untouched: %+v", rows)
	}
}

func TestEngine_IgnoreWritesMissingTarget(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}

	res := write(t, e, ref, []types.Row{{"id": 1}}, types.Ignore{}, nil)
	if res.Skipped {
		t.Fatalf("ignore on missing target must write")
	}
	if res.FilesWritten != 1 {
		t.Errorf("file count mismatch: got %d, want 1", res.FilesWritten)
	}
}

func TestEngine_ReplacePartitions(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}
	ctx := context.Background()

	seed := []types.Row{
		{"id": 1, "region": "eu"},
		{"id": 2, "region": "us"},
		{"id": 3, "region": "ap"},
	}
	write(t, e, ref, seed, types.Overwrite{}, []string{"region"})

	replacement := []types.Row{
		{"id": 10, "region": "eu"},
		{"id": 11, "region": "eu"},
	}
	write(t, e, ref, replacement, types.ReplacePartitions{}, []string{"region"})

	rows, err := e.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}

	byRegion := map[string][]types.Row{}
	for _, r := range rows {
		byRegion[r["region"].(string)] = append(byRegion[r["region"].(string)], r)
	}
	if len(byRegion["eu"]) != 2 {
		t.Errorf("eu partition not replaced: %+v", byRegion["eu"])
	}
	if len(byRegion["us"]) != 1 || len(byRegion["ap"]) != 1 {
		t.Errorf("untouched partitions must survive: us=%d ap=%d", len(byRegion["us"]), len(byRegion["ap"]))
	}
	for _, r := range byRegion["eu"] {
		if r["id"] == float64(1) {
			t.Errorf("old eu row survived the replacement")
		}
	}
}

func TestEngine_PartitionValuesEscapedInPaths(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}
	ctx := context.Background()

	// Values with path-hostile characters must round-trip through the
	// key=value directory encoding.
	rows := []types.Row{{"id": 1, "label": "a/b c=d"}}
	write(t, e, ref, rows, types.Overwrite{}, []string{"label"})

	state, err := e.CaptureState(ctx, ref)
	if err != nil {
		t.Fatalf("failed to capture state: %v", err)
	}
	if len(state.Files) != 1 {
		t.Fatalf("file count mismatch: got %d, want 1", len(state.Files))
	}
	if got := state.Files[0].PartitionValues["label"]; got != "a/b c=d" {
		t.Errorf("partition value did not round-trip: got %q", got)
	}
}

func TestEngine_UnknownModeRejected(t *testing.T) {
	e := newTestEngine(t)
	ref := types.DatasetRef{Section: "sales", Dataset: "orders"}

	p := &plan.Plan{Mode: "merge"}
	_, err := e.Execute(context.Background(), ref, p)
	if terr.GetCode(err) != terr.CodeInvalidMode {
		t.Fatalf("expected INVALID_MODE, got %v", err)
	}
}
