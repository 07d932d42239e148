package lifecycle

import (
	"context"
	"fmt"
	"log"

	"github.com/tarndb/tarn/internal/catalog"
	"github.com/tarndb/tarn/pkg/types"
)

// RollbackResult summarizes a committed rollback.
type RollbackResult struct {
	Table         string
	TargetVersion int64
	NewVersion    int64
	FileCount     int64
	RowCount      int64
}

// Rollback restores a table to the content of an earlier snapshot by
// committing a new snapshot that references the target's file set. History
// is never rewritten: the intermediate snapshots remain addressable until
// vacuum expires them, and the rollback itself can be rolled back.
func (m *Manager) Rollback(ctx context.Context, ref types.TableRef, target catalog.VersionRef, author, message string) (*RollbackResult, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	table, err := m.catalog.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	snap, err := m.catalog.ResolveVersion(ctx, table.ID, target)
	if err != nil {
		return nil, err
	}
	head, err := m.catalog.LatestVersion(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	files, err := m.catalog.FilesForSnapshot(ctx, table.ID, snap.Version)
	if err != nil {
		return nil, err
	}

	var carry []int64
	var rowCount int64
	for _, f := range files {
		carry = append(carry, f.FileID)
		rowCount += f.RowCount
	}

	if message == "" {
		message = fmt.Sprintf("rollback to version %d", snap.Version)
	}
	committed, err := m.catalog.Commit(ctx, catalog.CommitInput{
		Ref:          ref,
		Operation:    "rollback",
		Author:       author,
		Message:      message,
		CarryFileIDs: carry,
		ExpectedHead: &head,
	})
	if err != nil {
		return nil, err
	}

	log.Printf("lifecycle: rolled back %s to version %d as version %d (%d files)",
		ref, snap.Version, committed.Version, len(carry))
	return &RollbackResult{
		Table:         ref.String(),
		TargetVersion: snap.Version,
		NewVersion:    committed.Version,
		FileCount:     int64(len(carry)),
		RowCount:      rowCount,
	}, nil
}
