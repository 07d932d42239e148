package plan

import (
	"testing"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/pkg/types"
)

func currentFile(id int64, rows ...types.Row) CurrentFile {
	normalized, _ := types.NormalizeRows(rows)
	return CurrentFile{FileID: id, Path: "part.seg", Rows: normalized}
}

func TestBuildUpsertPlan_InsertAndUpdate(t *testing.T) {
	state := UpsertState{
		TableExists: true,
		HeadVersion: 4,
		Files: []CurrentFile{
			currentFile(1,
				types.Row{"id": 1, "name": "alice", "score": 10},
				types.Row{"id": 2, "name": "bob", "score": 20},
			),
			currentFile(2,
				types.Row{"id": 3, "name": "carol", "score": 30},
			),
		},
	}
	desired := []types.Row{
		{"id": 2, "name": "bob", "score": 25},  // update
		{"id": 4, "name": "dave", "score": 40}, // insert
	}

	p, err := BuildUpsertPlan(state, desired, []string{"id"}, UpsertOptions{})
	if err != nil {
		t.Fatalf("failed to build upsert plan: %v", err)
	}

	if p.InsertCount != 1 || p.UpdateCount != 1 {
		t.Errorf("counts mismatch: got %d inserted %d updated, want 1/1", p.InsertCount, p.UpdateCount)
	}
	if len(p.Rewrites) != 1 || p.Rewrites[0].FileID != 1 {
		t.Fatalf("expected exactly file 1 rewritten, got %+v", p.Rewrites)
	}
	if len(p.CarryFileIDs) != 1 || p.CarryFileIDs[0] != 2 {
		t.Errorf("untouched file 2 must be carried, got %v", p.CarryFileIDs)
	}

	// The rewritten file keeps unmatched rows and applies the update.
	var sawUpdated bool
	for _, r := range p.Rewrites[0].Rows {
		if r["id"] == float64(2) {
			sawUpdated = true
			if r["score"] != float64(25) {
				t.Errorf("matched row not updated: score = %v", r["score"])
			}
		}
	}
	if !sawUpdated {
		t.Errorf("rewritten file lost the matched row")
	}
	if len(p.InsertRows) != 1 || p.InsertRows[0]["id"] != float64(4) {
		t.Errorf("insert rows mismatch: %+v", p.InsertRows)
	}
}

func TestBuildUpsertPlan_UpdateColumnsSubset(t *testing.T) {
	state := UpsertState{
		TableExists: true,
		HeadVersion: 1,
		Files: []CurrentFile{
			currentFile(1, types.Row{"id": 1, "name": "alice", "score": 10}),
		},
	}
	desired := []types.Row{{"id": 1, "name": "ALICE", "score": 99}}

	p, err := BuildUpsertPlan(state, desired, []string{"id"}, UpsertOptions{UpdateColumns: []string{"score"}})
	if err != nil {
		t.Fatalf("failed to build upsert plan: %v", err)
	}

	row := p.Rewrites[0].Rows[0]
	if row["score"] != float64(99) {
		t.Errorf("named column not updated: score = %v", row["score"])
	}
	if row["name"] != "alice" {
		t.Errorf("unnamed column must keep its value: name = %v", row["name"])
	}
}

func TestBuildUpsertPlan_InsertOnlyLeavesMatchesUntouched(t *testing.T) {
	state := UpsertState{
		TableExists: true,
		HeadVersion: 1,
		Files: []CurrentFile{
			currentFile(1, types.Row{"id": 1, "score": 10}),
		},
	}
	desired := []types.Row{
		{"id": 1, "score": 999},
		{"id": 2, "score": 20},
	}

	p, err := BuildUpsertPlan(state, desired, []string{"id"}, UpsertOptions{InsertOnly: true})
	if err != nil {
		t.Fatalf("failed to build upsert plan: %v", err)
	}

	if len(p.Rewrites) != 0 {
		t.Errorf("insert-only must not rewrite files, got %d", len(p.Rewrites))
	}
	if p.InsertCount != 1 {
		t.Errorf("insert count mismatch: got %d, want 1", p.InsertCount)
	}
	// Matched rows still count as matched even though nothing changes.
	if p.UpdateCount != 1 {
		t.Errorf("update count mismatch: got %d, want 1", p.UpdateCount)
	}
}

func TestBuildUpsertPlan_DuplicateMatchKeysRejected(t *testing.T) {
	state := UpsertState{TableExists: true, HeadVersion: 1}
	desired := []types.Row{
		{"id": 1, "score": 10},
		{"id": 1, "score": 20},
	}
	_, err := BuildUpsertPlan(state, desired, []string{"id"}, UpsertOptions{})
	if terr.GetCode(err) != terr.CodeDuplicateMatchKeys {
		t.Fatalf("expected DUPLICATE_MATCH_KEYS, got %v", err)
	}
}

func TestBuildUpsertPlan_UpdateColumnCannotBeMatchKey(t *testing.T) {
	_, err := BuildUpsertPlan(UpsertState{TableExists: true}, sampleRows(1), []string{"id"},
		UpsertOptions{UpdateColumns: []string{"id"}})
	if terr.GetCategory(err) != terr.ErrCategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestBuildUpsertPlan_PrunedFilesAreCarried(t *testing.T) {
	state := UpsertState{
		TableExists: true,
		HeadVersion: 2,
		Files: []CurrentFile{
			{FileID: 7, Path: "part.seg", Pruned: true},
		},
	}
	p, err := BuildUpsertPlan(state, []types.Row{{"id": 9}}, []string{"id"}, UpsertOptions{})
	if err != nil {
		t.Fatalf("failed to build upsert plan: %v", err)
	}
	if len(p.CarryFileIDs) != 1 || p.CarryFileIDs[0] != 7 {
		t.Errorf("pruned file must be carried, got %v", p.CarryFileIDs)
	}
	if p.InsertCount != 1 {
		t.Errorf("insert count mismatch: got %d, want 1", p.InsertCount)
	}
}

func TestKeysEqual_GuardsHashJoin(t *testing.T) {
	// The join indexes rows by a 64-bit key hash; a hash hit between rows
	// with different key values must not count as a match.
	a, _ := types.Row{"id": 1, "name": "alice"}.Normalize()
	b, _ := types.Row{"id": 1, "name": "bob"}.Normalize()
	c, _ := types.Row{"id": 2, "name": "alice"}.Normalize()
	d, _ := types.Row{"name": "alice"}.Normalize()

	if !keysEqual(a, b, []string{"id"}) {
		t.Errorf("equal key values must match regardless of other columns")
	}
	if keysEqual(a, c, []string{"id"}) {
		t.Errorf("different key values must not match")
	}
	if keysEqual(a, d, []string{"id"}) {
		t.Errorf("a row missing the key column must not match")
	}
	if !keysEqual(a, c, []string{"name"}) {
		t.Errorf("matching on name must ignore id")
	}
}
