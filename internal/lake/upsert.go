package lake

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/tarndb/tarn/internal/bloom"
	"github.com/tarndb/tarn/internal/catalog"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/plan"
	"github.com/tarndb/tarn/internal/segment"
	"github.com/tarndb/tarn/pkg/types"
)

// UpsertOptions carries the optional pieces of a merge.
type UpsertOptions struct {
	InsertOnly    bool
	UpdateColumns []string

	Author  string
	Message string
}

// UpsertResult summarizes a committed merge.
type UpsertResult struct {
	Table          string
	Version        int64
	Inserted       int64
	Updated        int64
	FilesRewritten int
	FilesScanned   int
	FilesPruned    int
	Actions        []string
}

// Upsert merges rows into a catalog table on matchKeys: matching current
// rows are updated in place (unless InsertOnly), non-matching desired rows
// are inserted, and everything commits as one "merge" snapshot. A head that
// moves between planning and commit is a retryable conflict.
func (e *Engine) Upsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts UpsertOptions) (*UpsertResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		res, err := e.upsertOnce(ctx, ref, rows, matchKeys, opts)
		if err == nil {
			return res, nil
		}
		if !terr.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("lake: retryable failure merging into %s, attempt %d/%d: %v", ref, attempt+1, e.maxRetries+1, err)
	}
	if terr.GetCategory(lastErr) == terr.ErrCategoryConflict {
		return nil, terr.NewConflictError(
			fmt.Sprintf("gave up after %d conflicted merge attempts on %s", e.maxRetries+1, ref), lastErr)
	}
	return nil, lastErr
}

// PlanUpsert builds a merge plan against the current head without writing
// anything.
func (e *Engine) PlanUpsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts UpsertOptions) (*plan.UpsertPlan, error) {
	p, _, err := e.planUpsert(ctx, ref, rows, matchKeys, opts)
	return p, err
}

// planUpsert is PlanUpsert plus the catalog context the plan was built
// against, which execution needs to place rewritten files.
func (e *Engine) planUpsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts UpsertOptions) (*plan.UpsertPlan, *upsertCapture, error) {
	if err := ref.Validate(); err != nil {
		return nil, nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}

	capture, err := e.captureForUpsert(ctx, ref, rows, matchKeys)
	if err != nil {
		return nil, nil, err
	}

	p, err := plan.BuildUpsertPlan(capture.state, rows, matchKeys, plan.UpsertOptions{
		InsertOnly:    opts.InsertOnly,
		UpdateColumns: opts.UpdateColumns,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, capture, nil
}

// upsertCapture keeps the catalog context a plan was built against, so
// execution can recover each rewritten file's partition values.
type upsertCapture struct {
	table   *catalog.Table
	state   plan.UpsertState
	records map[int64]*catalog.FileRecord
	pruned  int
}

func (e *Engine) captureForUpsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string) (*upsertCapture, error) {
	table, err := e.catalog.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}

	head, err := e.catalog.LatestVersion(ctx, table.ID)
	if err != nil {
		return nil, err
	}

	capture := &upsertCapture{
		table:   table,
		state:   plan.UpsertState{TableExists: true, HeadVersion: head},
		records: make(map[int64]*catalog.FileRecord),
	}
	if head == 0 {
		return capture, nil
	}

	normalized, err := types.NormalizeRows(rows)
	if err != nil {
		return nil, terr.NewInternalError("failed to normalize rows", err)
	}

	files, err := e.catalog.FilesForSnapshot(ctx, table.ID, head)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		capture.records[f.FileID] = f
		cf := plan.CurrentFile{FileID: f.FileID, Path: f.ObjectPath}

		relevant, err := fileMayMatch(f.KeyFilter, normalized, matchKeys)
		if err != nil {
			return nil, err
		}
		if !relevant {
			cf.Pruned = true
			capture.pruned++
			capture.state.Files = append(capture.state.Files, cf)
			continue
		}

		data, err := e.store.Get(ctx, f.ObjectPath)
		if err != nil {
			return nil, terr.NewStorageError(terr.CodeDownloadFailed,
				fmt.Sprintf("failed to download %s", f.ObjectPath), err)
		}
		cf.Rows, err = segment.Decode(data)
		if err != nil {
			return nil, terr.NewInternalError(fmt.Sprintf("corrupt data file %s", f.ObjectPath), err)
		}
		capture.state.Files = append(capture.state.Files, cf)
	}
	return capture, nil
}

// fileMayMatch reports whether a file's key filter admits any of the desired
// rows. Files without a filter are always loaded.
func fileMayMatch(raw []byte, rows []types.Row, matchKeys []string) (bool, error) {
	if len(raw) == 0 {
		return true, nil
	}
	filter, err := bloom.Deserialize(raw)
	if err != nil {
		// An unreadable filter only costs us the pruning, not correctness.
		log.Printf("lake: ignoring unreadable key filter: %v", err)
		return true, nil
	}
	for _, r := range rows {
		ok, err := segment.MightContainKeys(filter, r, matchKeys)
		if err != nil {
			return false, terr.NewValidationError(terr.CodeMissingPartitionColumn, err.Error())
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) upsertOnce(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts UpsertOptions) (*UpsertResult, error) {
	p, capture, err := e.planUpsert(ctx, ref, rows, matchKeys, opts)
	if err != nil {
		return nil, err
	}

	namer := types.NewTokenNamer()
	head := p.HeadVersion
	in := catalog.CommitInput{
		Ref:          ref,
		Operation:    "merge",
		Author:       opts.Author,
		Message:      opts.Message,
		CarryFileIDs: p.CarryFileIDs,
		ExpectedHead: &head,
	}

	// Rewritten files keep their partition placement but get fresh names;
	// the old objects stay behind for older snapshots.
	for _, rw := range p.Rewrites {
		rec := capture.records[rw.FileID]
		nf, err := e.uploadRows(ctx, ref, capture.table.PartitionKeys, rec.PartitionValues, namer.NextName(), rw.Rows)
		if err != nil {
			return nil, err
		}
		in.NewFiles = append(in.NewFiles, *nf)
	}

	if len(p.InsertRows) > 0 {
		inserts, err := e.groupInserts(ctx, ref, capture.table.PartitionKeys, p.InsertRows, namer)
		if err != nil {
			return nil, err
		}
		in.NewFiles = append(in.NewFiles, inserts...)
	}

	snap, err := e.catalog.Commit(ctx, in)
	if err != nil {
		return nil, err
	}

	log.Printf("lake: merged into %s version %d (%d inserted, %d updated, %d files rewritten, %d pruned)",
		ref, snap.Version, p.InsertCount, p.UpdateCount, len(p.Rewrites), capture.pruned)
	return &UpsertResult{
		Table:          ref.String(),
		Version:        snap.Version,
		Inserted:       p.InsertCount,
		Updated:        p.UpdateCount,
		FilesRewritten: len(p.Rewrites),
		FilesScanned:   len(capture.state.Files) - capture.pruned,
		FilesPruned:    capture.pruned,
		Actions:        p.Actions,
	}, nil
}

// groupInserts splits inserted rows by the table's partition configuration,
// one new file per partition.
func (e *Engine) groupInserts(ctx context.Context, ref types.TableRef, partitionKeys []string, rows []types.Row, namer types.FileNamer) ([]catalog.NewFile, error) {
	groups := map[string][]types.Row{}
	values := map[string]map[string]string{}
	var order []string
	for i, r := range rows {
		vals, err := r.PartitionValues(partitionKeys)
		if err != nil {
			return nil, terr.NewValidationError(terr.CodeMissingPartitionColumn,
				fmt.Sprintf("inserted row %d: %v", i, err))
		}
		pv := make(map[string]string, len(partitionKeys))
		for j, k := range partitionKeys {
			pv[k] = vals[j]
		}
		label := ObjectPath(ref, partitionKeys, pv, "")
		if _, seen := groups[label]; !seen {
			order = append(order, label)
			values[label] = pv
		}
		groups[label] = append(groups[label], r)
	}

	var out []catalog.NewFile
	for _, label := range order {
		nf, err := e.uploadRows(ctx, ref, partitionKeys, values[label], namer.NextName(), groups[label])
		if err != nil {
			return nil, err
		}
		out = append(out, *nf)
	}
	return out, nil
}

// uploadRows encodes and uploads one file of rows, returning its record.
func (e *Engine) uploadRows(ctx context.Context, ref types.TableRef, partitionKeys []string, partitionValues map[string]string, name string, rows []types.Row) (*catalog.NewFile, error) {
	data, info, err := segment.Encode(rows)
	if err != nil {
		return nil, terr.NewInternalError(fmt.Sprintf("failed to encode %s", name), err)
	}

	path := ObjectPath(ref, partitionKeys, partitionValues, name)
	if err := e.store.Put(ctx, path, data); err != nil {
		return nil, terr.NewStorageError(terr.CodeUploadFailed,
			fmt.Sprintf("failed to upload %s", path), err)
	}

	stats, err := json.Marshal(info.Stats)
	if err != nil {
		return nil, terr.NewInternalError("failed to encode column stats", err)
	}

	return &catalog.NewFile{
		ObjectPath:      path,
		RowCount:        info.RowCount,
		SizeBytes:       info.SizeBytes,
		PartitionValues: partitionValues,
		ColumnStats:     stats,
		KeyFilter:       info.Filter.Serialize(),
	}, nil
}
