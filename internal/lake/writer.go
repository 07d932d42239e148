// Package lake executes write plans against the catalog-backed backend.
// Every mutation goes through the catalog's commit primitive, so exactly one
// new snapshot exists on success and none on failure; concurrent readers
// never observe a partially written table.
package lake

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/tarndb/tarn/internal/catalog"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/plan"
	"github.com/tarndb/tarn/internal/storage"
	"github.com/tarndb/tarn/pkg/types"
)

// DefaultCommitRetries bounds automatic retry of conflicted commits.
const DefaultCommitRetries = 3

// Engine is the catalog-backend write engine.
type Engine struct {
	catalog    *catalog.Catalog
	store      storage.ObjectStorage
	maxRetries int
}

// NewEngine creates a lake engine. maxRetries <= 0 selects the default.
func NewEngine(cat *catalog.Catalog, store storage.ObjectStorage, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultCommitRetries
	}
	return &Engine{catalog: cat, store: store, maxRetries: maxRetries}
}

// WriteOptions carries the optional pieces of a lake write.
type WriteOptions struct {
	// PartitionKeys, with SetPartitionKeys, changes the table's partition
	// configuration going forward. Only valid on overwrite; unspecified
	// keys preserve the existing configuration rather than clearing it.
	PartitionKeys    []string
	SetPartitionKeys bool

	// Author and Message attach to the resulting snapshot, informational only.
	Author  string
	Message string
}

// WriteResult summarizes a committed lake write.
type WriteResult struct {
	Table        string
	Version      int64
	FilesWritten int
	RowsWritten  int64
	Actions      []string
}

// Write commits rows to a catalog table in overwrite or append mode.
func (e *Engine) Write(ctx context.Context, ref types.TableRef, rows []types.Row, mode types.WriteMode, opts WriteOptions) (*WriteResult, error) {
	if err := ref.Validate(); err != nil {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}

	switch mode.(type) {
	case types.Overwrite:
	case types.Append:
		if opts.SetPartitionKeys {
			return nil, terr.NewValidationError(terr.CodePartitionChangeDenied,
				"append cannot change partition configuration; use overwrite")
		}
	default:
		return nil, terr.NewValidationError(terr.CodeInvalidMode,
			fmt.Sprintf("the catalog backend supports overwrite and append, not %q", mode.ModeName()))
	}

	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		res, err := e.writeOnce(ctx, ref, rows, mode, opts)
		if err == nil {
			return res, nil
		}
		if !terr.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		log.Printf("lake: retryable failure writing %s, attempt %d/%d: %v", ref, attempt+1, e.maxRetries+1, err)
	}
	if terr.GetCategory(lastErr) == terr.ErrCategoryConflict {
		return nil, terr.NewConflictError(
			fmt.Sprintf("gave up after %d conflicted commit attempts on %s", e.maxRetries+1, ref), lastErr)
	}
	return nil, lastErr
}

// writeOnce performs one plan-upload-commit cycle.
func (e *Engine) writeOnce(ctx context.Context, ref types.TableRef, rows []types.Row, mode types.WriteMode, opts WriteOptions) (*WriteResult, error) {
	partitionKeys, head, existing, carry, err := e.captureTable(ctx, ref, opts)
	if err != nil {
		return nil, err
	}

	p, err := plan.BuildPlan(plan.State{Exists: head > 0, Files: existing}, rows, mode, partitionKeys)
	if err != nil {
		return nil, err
	}

	in := catalog.CommitInput{
		Ref:       ref,
		Operation: p.Mode,
		Author:    opts.Author,
		Message:   opts.Message,
	}

	if _, isOverwrite := mode.(types.Overwrite); isOverwrite {
		if opts.SetPartitionKeys {
			in.SetPartitionKeys = true
			in.PartitionKeys = opts.PartitionKeys
		}
		// Overwrite references only the new files; superseded files stay in
		// place for older snapshots until vacuum reclaims them.
	} else {
		in.CarryFileIDs = carry
		in.ExpectedHead = &head
	}

	// Uploads happen before the commit: an aborted commit strands an
	// unreferenced object, never a visible table change.
	var rowsWritten int64
	for _, add := range p.Adds {
		nf, err := e.uploadRows(ctx, ref, partitionKeys, add.PartitionValues, add.Name, add.Rows)
		if err != nil {
			return nil, err
		}
		in.NewFiles = append(in.NewFiles, *nf)
		rowsWritten += int64(len(add.Rows))
	}

	snap, err := e.catalog.Commit(ctx, in)
	if err != nil {
		return nil, err
	}

	log.Printf("lake: committed %s version %d (%s, %d files, %d rows)",
		ref, snap.Version, p.Mode, len(in.NewFiles), rowsWritten)
	return &WriteResult{
		Table:        ref.String(),
		Version:      snap.Version,
		FilesWritten: len(in.NewFiles),
		RowsWritten:  rowsWritten,
		Actions:      p.Actions,
	}, nil
}

// captureTable reads the table's configuration and head snapshot. A missing
// table is not an error here; the first successful write creates it.
func (e *Engine) captureTable(ctx context.Context, ref types.TableRef, opts WriteOptions) (partitionKeys []string, head int64, existing []plan.ExistingFile, carry []int64, err error) {
	if opts.SetPartitionKeys {
		partitionKeys = opts.PartitionKeys
	}

	table, err := e.catalog.GetTable(ctx, ref)
	if err != nil {
		if terr.GetCategory(err) == terr.ErrCategoryNotFound {
			return partitionKeys, 0, nil, nil, nil
		}
		return nil, 0, nil, nil, err
	}
	if !opts.SetPartitionKeys {
		partitionKeys = table.PartitionKeys
	}

	head, err = e.catalog.LatestVersion(ctx, table.ID)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	if head == 0 {
		return partitionKeys, 0, nil, nil, nil
	}

	files, err := e.catalog.FilesForSnapshot(ctx, table.ID, head)
	if err != nil {
		return nil, 0, nil, nil, err
	}
	for _, f := range files {
		existing = append(existing, plan.ExistingFile{Path: f.ObjectPath, PartitionValues: f.PartitionValues})
		carry = append(carry, f.FileID)
	}
	return partitionKeys, head, existing, carry, nil
}

// TablePrefix returns the object-path prefix holding a table's data files.
func TablePrefix(ref types.TableRef) string {
	return "tables/" + ref.Schema + "/" + ref.Table + "/"
}

// ObjectPath assembles a data file's object path, encoding partition values
// as key=value segments the same way the folder backend does.
func ObjectPath(ref types.TableRef, partitionKeys []string, values map[string]string, name string) string {
	var parts []string
	for _, k := range partitionKeys {
		if v, ok := values[k]; ok {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	if len(parts) == 0 {
		return TablePrefix(ref) + name
	}
	return TablePrefix(ref) + strings.Join(parts, "/") + "/" + name
}
