// Package lifecycle inspects and prunes a table's snapshot history: diffing
// two versions, rolling back to an earlier one, and vacuuming snapshots and
// data files that no retained version references.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/tarndb/tarn/internal/catalog"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/segment"
	"github.com/tarndb/tarn/internal/storage"
	"github.com/tarndb/tarn/pkg/types"
)

// Manager runs lifecycle operations against one catalog and its object store.
type Manager struct {
	catalog *catalog.Catalog
	store   storage.ObjectStorage
}

func NewManager(cat *catalog.Catalog, store storage.ObjectStorage) *Manager {
	return &Manager{catalog: cat, store: store}
}

// snapshotRows loads a snapshot's full content.
func (m *Manager) snapshotRows(ctx context.Context, tableID, version int64) ([]types.Row, error) {
	files, err := m.catalog.FilesForSnapshot(ctx, tableID, version)
	if err != nil {
		return nil, err
	}
	var rows []types.Row
	for _, f := range files {
		data, err := m.store.Get(ctx, f.ObjectPath)
		if err != nil {
			return nil, terr.NewStorageError(terr.CodeDownloadFailed,
				fmt.Sprintf("failed to download %s", f.ObjectPath), err)
		}
		decoded, err := segment.Decode(data)
		if err != nil {
			return nil, terr.NewInternalError(fmt.Sprintf("corrupt data file %s", f.ObjectPath), err)
		}
		rows = append(rows, decoded...)
	}
	return rows, nil
}
