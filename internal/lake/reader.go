package lake

import (
	"context"
	"fmt"

	"github.com/tarndb/tarn/internal/catalog"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/segment"
	"github.com/tarndb/tarn/pkg/types"
)

// ReadAsOf returns a table's full content at the snapshot addressed by ref.
// Row order follows the snapshot's file order and each file's stored order.
func (e *Engine) ReadAsOf(ctx context.Context, tableRef types.TableRef, ref catalog.VersionRef) ([]types.Row, *catalog.Snapshot, error) {
	table, err := e.catalog.GetTable(ctx, tableRef)
	if err != nil {
		return nil, nil, err
	}
	snap, err := e.catalog.ResolveVersion(ctx, table.ID, ref)
	if err != nil {
		return nil, nil, err
	}

	files, err := e.catalog.FilesForSnapshot(ctx, table.ID, snap.Version)
	if err != nil {
		return nil, nil, err
	}

	var rows []types.Row
	for _, f := range files {
		data, err := e.store.Get(ctx, f.ObjectPath)
		if err != nil {
			return nil, nil, terr.NewStorageError(terr.CodeDownloadFailed,
				fmt.Sprintf("failed to download %s", f.ObjectPath), err)
		}
		decoded, err := segment.Decode(data)
		if err != nil {
			return nil, nil, terr.NewInternalError(fmt.Sprintf("corrupt data file %s", f.ObjectPath), err)
		}
		rows = append(rows, decoded...)
	}
	return rows, snap, nil
}

// ReadHead returns the table's content at its latest snapshot.
func (e *Engine) ReadHead(ctx context.Context, tableRef types.TableRef) ([]types.Row, *catalog.Snapshot, error) {
	table, err := e.catalog.GetTable(ctx, tableRef)
	if err != nil {
		return nil, nil, err
	}
	head, err := e.catalog.LatestVersion(ctx, table.ID)
	if err != nil {
		return nil, nil, err
	}
	if head == 0 {
		return nil, nil, terr.NewNotFoundError(terr.CodeSnapshotNotFound,
			fmt.Sprintf("table %s has no snapshots", tableRef))
	}
	return e.ReadAsOf(ctx, tableRef, catalog.VersionRef{Version: head})
}
