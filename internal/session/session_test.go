package session

import (
	"context"
	"testing"

	"github.com/tarndb/tarn/internal/config"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/lake"
	"github.com/tarndb/tarn/pkg/types"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Author = "tester"
	cfg.Resolve()

	s, err := Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_FolderWriteRoundTrip(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()
	ref := types.DatasetRef{Section: "imports", Dataset: "events"}

	res, err := s.Write(ctx, ref, []types.Row{{"id": 1}, {"id": 2}}, types.Overwrite{}, nil)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if res.FilesWritten != 1 || res.RowsWritten != 2 {
		t.Errorf("write result mismatch: %+v", res)
	}

	rows, err := s.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("row count mismatch: got %d, want 2", len(rows))
	}
}

func TestSession_PreviewDoesNotWrite(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()
	ref := types.DatasetRef{Section: "imports", Dataset: "events"}

	p, err := s.PreviewWrite(ctx, ref, []types.Row{{"id": 1}}, types.Overwrite{}, nil)
	if err != nil {
		t.Fatalf("failed to preview: %v", err)
	}
	if len(p.Adds) != 1 {
		t.Errorf("preview plan mismatch: %+v", p)
	}

	rows, err := s.ReadDataset(ctx, ref)
	if err != nil {
		t.Fatalf("failed to read dataset: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("preview must not write, found %d rows", len(rows))
	}
}

func TestSession_LakeLifecycle(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()
	ref := types.TableRef{Schema: "sales", Table: "orders"}

	if _, err := s.LakeWrite(ctx, ref, []types.Row{{"id": 1, "v": "a"}}, types.Overwrite{}, lake.WriteOptions{}); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if _, err := s.Upsert(ctx, ref, []types.Row{{"id": 1, "v": "b"}}, []string{"id"}, lake.UpsertOptions{}); err != nil {
		t.Fatalf("failed to upsert: %v", err)
	}

	snaps, err := s.ListSnapshots(ctx, ref)
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshot count mismatch: got %d, want 2", len(snaps))
	}
	if snaps[0].Operation != "overwrite" || snaps[1].Operation != "merge" {
		t.Errorf("operation labels mismatch: %s, %s", snaps[0].Operation, snaps[1].Operation)
	}
	// The configured author lands on every snapshot.
	for _, snap := range snaps {
		if snap.Author != "tester" {
			t.Errorf("author missing on version %d: %q", snap.Version, snap.Author)
		}
	}
}

func TestSession_UnknownStorageType(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Resolve()
	cfg.Storage.Type = "carrier-pigeon"

	_, err := Open(context.Background(), cfg)
	if terr.GetCategory(err) != terr.ErrCategoryValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}
