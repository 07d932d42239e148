// Package session is the engine's front door: one handle owning the catalog
// connection, the object store, and the write engines for both backends.
// Preview variants build and return the same plan their write counterparts
// would execute, without touching storage.
package session

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/tarndb/tarn/internal/catalog"
	"github.com/tarndb/tarn/internal/config"
	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/internal/hive"
	"github.com/tarndb/tarn/internal/lake"
	"github.com/tarndb/tarn/internal/lifecycle"
	"github.com/tarndb/tarn/internal/plan"
	"github.com/tarndb/tarn/internal/storage"
	"github.com/tarndb/tarn/pkg/types"
)

// Session is a handle on one data store. Safe for use from multiple
// goroutines; commit serialization happens in the catalog.
type Session struct {
	cfg       *config.Config
	catalog   *catalog.Catalog
	store     storage.ObjectStorage
	hive      *hive.Engine
	lake      *lake.Engine
	lifecycle *lifecycle.Manager
}

// Open builds a session from configuration: object storage per the storage
// section, the catalog database under the data directory, and the engines
// on top of both.
func Open(ctx context.Context, cfg *config.Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}

	store, err := openStorage(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CatalogPath()), 0o755); err != nil {
		return nil, terr.NewInternalError("failed to create data directory", err)
	}
	cat, err := catalog.Open(cfg.CatalogPath())
	if err != nil {
		return nil, err
	}

	log.Printf("session: opened store at %s (storage: %s)", cfg.DataDir, cfg.Storage.Type)
	return &Session{
		cfg:       cfg,
		catalog:   cat,
		store:     store,
		hive:      hive.NewEngine(store),
		lake:      lake.NewEngine(cat, store, cfg.Write.CommitRetries),
		lifecycle: lifecycle.NewManager(cat, store),
	}, nil
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "local":
		return storage.NewLocalStorage(cfg.Storage.Path)
	case "s3":
		return storage.NewS3Storage(ctx, cfg.Storage.S3.Bucket, storage.S3Config{
			Region:       cfg.Storage.S3.Region,
			Endpoint:     cfg.Storage.S3.Endpoint,
			UsePathStyle: cfg.Storage.S3.UsePathStyle,
		})
	default:
		return nil, terr.NewValidationError(terr.CodeMissingArgument,
			fmt.Sprintf("unknown storage type %q", cfg.Storage.Type))
	}
}

// Close releases the catalog connection. Object storage needs no teardown.
func (s *Session) Close() error {
	return s.catalog.Close()
}

// Catalog exposes the underlying catalog for read-only inspection.
func (s *Session) Catalog() *catalog.Catalog {
	return s.catalog
}

// author falls back to the configured session author.
func (s *Session) author(override string) string {
	if override != "" {
		return override
	}
	return s.cfg.Author
}

// PreviewWrite plans a folder-backend write without executing it.
func (s *Session) PreviewWrite(ctx context.Context, ref types.DatasetRef, rows []types.Row, mode types.WriteMode, partitionKeys []string) (*plan.Plan, error) {
	if err := ref.Validate(); err != nil {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}
	state, err := s.hive.CaptureState(ctx, ref)
	if err != nil {
		return nil, err
	}
	return plan.BuildPlan(state, rows, mode, partitionKeys)
}

// Write plans and executes a folder-backend write.
func (s *Session) Write(ctx context.Context, ref types.DatasetRef, rows []types.Row, mode types.WriteMode, partitionKeys []string) (*hive.WriteResult, error) {
	p, err := s.PreviewWrite(ctx, ref, rows, mode, partitionKeys)
	if err != nil {
		return nil, err
	}
	return s.hive.Execute(ctx, ref, p)
}

// ReadDataset returns a folder-backend dataset's full content.
func (s *Session) ReadDataset(ctx context.Context, ref types.DatasetRef) ([]types.Row, error) {
	if err := ref.Validate(); err != nil {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}
	return s.hive.ReadDataset(ctx, ref)
}

// LakeWrite commits rows to a catalog table in overwrite or append mode.
func (s *Session) LakeWrite(ctx context.Context, ref types.TableRef, rows []types.Row, mode types.WriteMode, opts lake.WriteOptions) (*lake.WriteResult, error) {
	opts.Author = s.author(opts.Author)
	return s.lake.Write(ctx, ref, rows, mode, opts)
}

// PreviewUpsert plans a merge without executing it.
func (s *Session) PreviewUpsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts lake.UpsertOptions) (*plan.UpsertPlan, error) {
	return s.lake.PlanUpsert(ctx, ref, rows, matchKeys, opts)
}

// Upsert merges rows into a catalog table on matchKeys.
func (s *Session) Upsert(ctx context.Context, ref types.TableRef, rows []types.Row, matchKeys []string, opts lake.UpsertOptions) (*lake.UpsertResult, error) {
	opts.Author = s.author(opts.Author)
	return s.lake.Upsert(ctx, ref, rows, matchKeys, opts)
}

// ReadTable returns a catalog table's content at the given snapshot.
func (s *Session) ReadTable(ctx context.Context, ref types.TableRef, at catalog.VersionRef) ([]types.Row, *catalog.Snapshot, error) {
	return s.lake.ReadAsOf(ctx, ref, at)
}

// ReadTableHead returns a catalog table's content at its latest snapshot.
func (s *Session) ReadTableHead(ctx context.Context, ref types.TableRef) ([]types.Row, *catalog.Snapshot, error) {
	return s.lake.ReadHead(ctx, ref)
}

// Diff compares two snapshots of a catalog table.
func (s *Session) Diff(ctx context.Context, ref types.TableRef, from, to catalog.VersionRef) (*lifecycle.DiffResult, error) {
	return s.lifecycle.Diff(ctx, ref, from, to)
}

// Rollback restores a catalog table to an earlier snapshot's content by
// committing a new forward snapshot.
func (s *Session) Rollback(ctx context.Context, ref types.TableRef, target catalog.VersionRef, message string) (*lifecycle.RollbackResult, error) {
	return s.lifecycle.Rollback(ctx, ref, target, s.author(""), message)
}

// Vacuum expires old snapshots and unreferenced data files. Zero-valued
// options fall back to the configured retention settings.
func (s *Session) Vacuum(ctx context.Context, ref types.TableRef, opts lifecycle.VacuumOptions) (*lifecycle.VacuumResult, error) {
	if opts.OlderThan == 0 {
		opts.OlderThan = s.cfg.RetentionWindow()
	}
	if opts.KeepLast == 0 {
		opts.KeepLast = s.cfg.Vacuum.KeepLast
	}
	return s.lifecycle.Vacuum(ctx, ref, opts)
}

// ListSnapshots returns a catalog table's history in version order.
func (s *Session) ListSnapshots(ctx context.Context, ref types.TableRef) ([]*catalog.Snapshot, error) {
	table, err := s.catalog.GetTable(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.catalog.ListSnapshots(ctx, table.ID)
}
