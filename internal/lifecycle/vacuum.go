package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/pkg/types"
)

// DefaultKeepLast is the minimum number of most recent snapshots vacuum
// retains regardless of age.
const DefaultKeepLast = 1

// VacuumOptions controls how much history a vacuum removes.
type VacuumOptions struct {
	// OlderThan expires snapshots created before now minus this duration.
	// Zero makes every snapshot expirable by age, leaving KeepLast as the
	// only retention floor.
	OlderThan time.Duration
	// KeepLast floors retention at the N most recent snapshots. Values
	// below 1 are treated as 1: the latest snapshot is never removed.
	KeepLast int
	// DryRun reports what would be removed without removing anything.
	DryRun bool
}

// VacuumResult reports what a vacuum removed, or would remove under DryRun.
type VacuumResult struct {
	Table            string
	DryRun           bool
	Frontier         int64
	RemovedSnapshots []int64
	RemovedFiles     []string
	BytesReclaimed   int64
}

func (r *VacuumResult) Summary() string {
	verb := "removed"
	if r.DryRun {
		verb = "would remove"
	}
	return fmt.Sprintf("%s: %s %d snapshots and %d data files (%d bytes), retaining versions >= %d",
		r.Table, verb, len(r.RemovedSnapshots), len(r.RemovedFiles), r.BytesReclaimed, r.Frontier)
}

// Vacuum expires snapshots older than the retention window and deletes the
// data files only those snapshots reference. A file survives as long as any
// retained snapshot references it. Objects are deleted before their catalog
// records, so an interrupted vacuum leaves re-runnable state rather than
// dangling references.
func (m *Manager) Vacuum(ctx context.Context, ref types.TableRef, opts VacuumOptions) (*VacuumResult, error) {
	if opts.OlderThan < 0 {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, "retention window cannot be negative")
	}
	if opts.KeepLast < 1 {
		opts.KeepLast = DefaultKeepLast
	}

	table, err := m.catalog.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	head, err := m.catalog.LatestVersion(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	res := &VacuumResult{Table: ref.String(), DryRun: opts.DryRun, Frontier: 1}
	if head == 0 {
		return res, nil
	}

	// Snapshots expire by age, floored by the keep-last count. Versions are
	// assigned in time order, so the expirable set is always a prefix of the
	// history and the frontier is the smallest retained version.
	cutoff := time.Now().Add(-opts.OlderThan)
	expirable, err := m.catalog.SnapshotsBefore(ctx, table.ID, cutoff)
	if err != nil {
		return nil, err
	}
	keepFloor := head - int64(opts.KeepLast) + 1

	for _, s := range expirable {
		if s.Version >= keepFloor {
			break
		}
		res.RemovedSnapshots = append(res.RemovedSnapshots, s.Version)
	}
	if len(res.RemovedSnapshots) == 0 {
		return res, nil
	}
	res.Frontier = res.RemovedSnapshots[len(res.RemovedSnapshots)-1] + 1

	orphans, err := m.catalog.FilesUnreachableFrom(ctx, table.ID, res.Frontier)
	if err != nil {
		return nil, err
	}
	var orphanIDs []int64
	for _, f := range orphans {
		res.RemovedFiles = append(res.RemovedFiles, f.ObjectPath)
		res.BytesReclaimed += f.SizeBytes
		orphanIDs = append(orphanIDs, f.FileID)
	}

	if opts.DryRun {
		log.Printf("lifecycle: vacuum dry run on %s: %d snapshots, %d files, %d bytes",
			ref, len(res.RemovedSnapshots), len(res.RemovedFiles), res.BytesReclaimed)
		return res, nil
	}

	for _, path := range res.RemovedFiles {
		if err := m.store.Delete(ctx, path); err != nil {
			return nil, terr.NewStorageError(terr.CodeDeleteFailed,
				fmt.Sprintf("failed to delete %s; vacuum can be re-run", path), err)
		}
	}
	if err := m.catalog.DeleteSnapshots(ctx, table.ID, res.RemovedSnapshots); err != nil {
		return nil, err
	}
	if err := m.catalog.DeleteFileRecords(ctx, orphanIDs); err != nil {
		return nil, err
	}

	log.Printf("lifecycle: vacuumed %s: removed %d snapshots and %d files, %d bytes reclaimed",
		ref, len(res.RemovedSnapshots), len(res.RemovedFiles), res.BytesReclaimed)
	return res, nil
}
