package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tarndb/tarn/internal/catalog"
	"github.com/tarndb/tarn/internal/lake"
	"github.com/tarndb/tarn/internal/storage"
	"github.com/tarndb/tarn/pkg/types"
)

var testRef = types.TableRef{Schema: "sales", Table: "orders"}

type fixture struct {
	catalog *catalog.Catalog
	store   *storage.LocalStorage
	lake    *lake.Engine
	manager *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("failed to open catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return &fixture{
		catalog: cat,
		store:   store,
		lake:    lake.NewEngine(cat, store, 0),
		manager: NewManager(cat, store),
	}
}

func (f *fixture) mustWrite(t *testing.T, rows []types.Row, mode types.WriteMode) int64 {
	t.Helper()
	res, err := f.lake.Write(context.Background(), testRef, rows, mode, lake.WriteOptions{})
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	return res.Version
}

func TestDiff_AddedAndRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.mustWrite(t, []types.Row{
		{"id": 1, "score": 10},
		{"id": 2, "score": 20},
	}, types.Overwrite{})
	v2 := f.mustWrite(t, []types.Row{
		{"id": 2, "score": 25},
		{"id": 3, "score": 30},
	}, types.Overwrite{})

	d, err := f.manager.Diff(ctx, testRef, catalog.VersionRef{Version: v1}, catalog.VersionRef{Version: v2})
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}

	// Row 2 changed, so it appears on both sides; row 1 is gone, row 3 new.
	if len(d.Added) != 2 {
		t.Errorf("added count mismatch: got %d, want 2 (%+v)", len(d.Added), d.Added)
	}
	if len(d.Removed) != 2 {
		t.Errorf("removed count mismatch: got %d, want 2 (%+v)", len(d.Removed), d.Removed)
	}
}

func TestDiff_SameVersionIsEmpty(t *testing.T) {
	f := newFixture(t)
	v1 := f.mustWrite(t, []types.Row{{"id": 1}}, types.Overwrite{})

	d, err := f.manager.Diff(context.Background(), testRef,
		catalog.VersionRef{Version: v1}, catalog.VersionRef{Version: v1})
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	if len(d.Added) != 0 || len(d.Removed) != 0 {
		t.Fatalf("diff of a version against itself must be empty: %+v", d)
	}
}

func TestDiff_DuplicateRowsCancelPairwise(t *testing.T) {
	f := newFixture(t)
	v1 := f.mustWrite(t, []types.Row{
		{"id": 1}, {"id": 1}, {"id": 1},
	}, types.Overwrite{})
	v2 := f.mustWrite(t, []types.Row{
		{"id": 1}, {"id": 1},
	}, types.Overwrite{})

	d, err := f.manager.Diff(context.Background(), testRef,
		catalog.VersionRef{Version: v1}, catalog.VersionRef{Version: v2})
	if err != nil {
		t.Fatalf("failed to diff: %v", err)
	}
	if len(d.Added) != 0 || len(d.Removed) != 1 {
		t.Fatalf("multiset diff mismatch: +%d -%d, want +0 -1", len(d.Added), len(d.Removed))
	}
}

func TestRollback_RestoresContentAsNewVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustWrite(t, []types.Row{{"id": 1}, {"id": 2}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 99}}, types.Overwrite{})

	res, err := f.manager.Rollback(ctx, testRef, catalog.VersionRef{Version: 1}, "ops", "")
	if err != nil {
		t.Fatalf("failed to rollback: %v", err)
	}
	if res.NewVersion != 3 || res.TargetVersion != 1 {
		t.Fatalf("rollback result mismatch: %+v", res)
	}

	rows, snap, err := f.lake.ReadHead(ctx, testRef)
	if err != nil {
		t.Fatalf("failed to read head: %v", err)
	}
	if snap.Version != 3 || snap.Operation != "rollback" {
		t.Errorf("head snapshot mismatch: %+v", snap)
	}
	if len(rows) != 2 {
		t.Errorf("restored content mismatch: %d rows, want 2", len(rows))
	}

	// History is forward-only: the rolled-over version is still there.
	rows, _, err = f.lake.ReadAsOf(ctx, testRef, catalog.VersionRef{Version: 2})
	if err != nil {
		t.Fatalf("intermediate version must stay addressable: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != float64(99) {
		t.Errorf("version 2 content changed: %+v", rows)
	}
}

func TestVacuum_DryRunRemovesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustWrite(t, []types.Row{{"id": 1}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 2}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 3}}, types.Overwrite{})

	res, err := f.manager.Vacuum(ctx, testRef, VacuumOptions{OlderThan: 0, KeepLast: 1, DryRun: true})
	if err != nil {
		t.Fatalf("failed to vacuum: %v", err)
	}
	if !res.DryRun {
		t.Fatalf("result must be marked dry-run")
	}
	if len(res.RemovedSnapshots) != 2 {
		t.Errorf("dry run should report versions 1 and 2, got %v", res.RemovedSnapshots)
	}

	// Everything still reads back.
	for v := int64(1); v <= 3; v++ {
		if _, _, err := f.lake.ReadAsOf(ctx, testRef, catalog.VersionRef{Version: v}); err != nil {
			t.Errorf("version %d unreadable after dry run: %v", v, err)
		}
	}
}

func TestVacuum_RemovesExpiredSnapshotsAndOrphanedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustWrite(t, []types.Row{{"id": 1}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 2}}, types.Append{})
	f.mustWrite(t, []types.Row{{"id": 99}}, types.Overwrite{})

	res, err := f.manager.Vacuum(ctx, testRef, VacuumOptions{OlderThan: 0, KeepLast: 1})
	if err != nil {
		t.Fatalf("failed to vacuum: %v", err)
	}
	if len(res.RemovedSnapshots) != 2 {
		t.Fatalf("expected versions 1 and 2 removed, got %v", res.RemovedSnapshots)
	}
	if res.Frontier != 3 {
		t.Errorf("frontier mismatch: got %d, want 3", res.Frontier)
	}
	// v1's file and v2's file are unreachable from v3 after its overwrite.
	if len(res.RemovedFiles) != 2 {
		t.Errorf("expected 2 files removed, got %v", res.RemovedFiles)
	}

	// Head survives with its content.
	rows, snap, err := f.lake.ReadHead(ctx, testRef)
	if err != nil {
		t.Fatalf("failed to read head after vacuum: %v", err)
	}
	if snap.Version != 3 || len(rows) != 1 || rows[0]["id"] != float64(99) {
		t.Errorf("head changed after vacuum: v%d %+v", snap.Version, rows)
	}

	// Expired versions are gone from history.
	if _, _, err := f.lake.ReadAsOf(ctx, testRef, catalog.VersionRef{Version: 1}); err == nil {
		t.Errorf("version 1 must be gone after vacuum")
	}

	// Deleted objects are gone from storage.
	for _, p := range res.RemovedFiles {
		ok, err := f.store.Exists(ctx, p)
		if err != nil {
			t.Fatalf("failed to check %s: %v", p, err)
		}
		if ok {
			t.Errorf("vacuumed object %s still exists", p)
		}
	}
}

func TestVacuum_SharedFilesSurvive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The appended snapshot carries v1's file; vacuuming v1 must keep it.
	f.mustWrite(t, []types.Row{{"id": 1}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 2}}, types.Append{})

	res, err := f.manager.Vacuum(ctx, testRef, VacuumOptions{OlderThan: 0, KeepLast: 1})
	if err != nil {
		t.Fatalf("failed to vacuum: %v", err)
	}
	if len(res.RemovedSnapshots) != 1 || res.RemovedSnapshots[0] != 1 {
		t.Fatalf("expected only version 1 removed, got %v", res.RemovedSnapshots)
	}
	if len(res.RemovedFiles) != 0 {
		t.Fatalf("shared file must survive, got removals %v", res.RemovedFiles)
	}

	rows, _, err := f.lake.ReadHead(ctx, testRef)
	if err != nil {
		t.Fatalf("failed to read head: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("head content changed: %d rows, want 2", len(rows))
	}
}

func TestVacuum_KeepLastFloorsRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.mustWrite(t, []types.Row{{"id": i}}, types.Overwrite{})
	}

	res, err := f.manager.Vacuum(ctx, testRef, VacuumOptions{OlderThan: 0, KeepLast: 3})
	if err != nil {
		t.Fatalf("failed to vacuum: %v", err)
	}
	if res.Frontier != 3 {
		t.Errorf("frontier mismatch: got %d, want 3", res.Frontier)
	}
	for v := int64(3); v <= 5; v++ {
		if _, _, err := f.lake.ReadAsOf(ctx, testRef, catalog.VersionRef{Version: v}); err != nil {
			t.Errorf("retained version %d unreadable: %v", v, err)
		}
	}
}

func TestVacuum_AgeCutoffRetainsRecentSnapshots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.mustWrite(t, []types.Row{{"id": 1}}, types.Overwrite{})
	f.mustWrite(t, []types.Row{{"id": 2}}, types.Overwrite{})

	// Everything was committed moments ago, so a long retention window
	// removes nothing even with KeepLast 1.
	res, err := f.manager.Vacuum(ctx, testRef, VacuumOptions{OlderThan: 24 * time.Hour, KeepLast: 1})
	if err != nil {
		t.Fatalf("failed to vacuum: %v", err)
	}
	if len(res.RemovedSnapshots) != 0 || len(res.RemovedFiles) != 0 {
		t.Fatalf("recent snapshots must be retained: %+v", res)
	}
}
