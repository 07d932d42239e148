package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	terr "github.com/tarndb/tarn/internal/errors"
	"github.com/tarndb/tarn/pkg/types"
)

// Catalog is the SQLite-backed transactional catalog.
type Catalog struct {
	db     *sql.DB // Write connection (single writer)
	readDB *sql.DB // Read connection pool (concurrent readers)
	dbPath string
	mu     sync.Mutex // Write-only lock (reads don't need this)
}

// Table describes a catalog table and its partition configuration.
type Table struct {
	ID            int64
	Ref           types.TableRef
	PartitionKeys []string
	CreatedAt     time.Time
}

// Snapshot is one committed version of a table.
type Snapshot struct {
	TableID   int64
	Version   int64
	Operation string
	Author    string
	Message   string
	CreatedAt time.Time
}

// FileRecord is a data file referenced by one or more snapshots.
type FileRecord struct {
	FileID          int64
	TableID         int64
	ObjectPath      string
	RowCount        int64
	SizeBytes       int64
	PartitionValues map[string]string
	ColumnStats     json.RawMessage
	KeyFilter       []byte
	AddedVersion    int64
	CreatedAt       time.Time
}

// NewFile describes a data file being added by a commit. The file must
// already exist in object storage before the commit runs; an aborted commit
// leaves only an unreferenced object, never a visible half-written table.
type NewFile struct {
	ObjectPath      string
	RowCount        int64
	SizeBytes       int64
	PartitionValues map[string]string
	ColumnStats     []byte
	KeyFilter       []byte
}

// CommitInput describes one snapshot-producing commit.
type CommitInput struct {
	Ref       types.TableRef
	Operation string // overwrite | append | merge | rollback
	Author    string
	Message   string

	// SetPartitionKeys applies PartitionKeys to the table's configuration.
	// When false the existing configuration is preserved.
	SetPartitionKeys bool
	PartitionKeys    []string

	// CarryFileIDs are files from an earlier snapshot that remain part of
	// the new snapshot's content.
	CarryFileIDs []int64
	NewFiles     []NewFile

	// ExpectedHead, when non-nil, makes the commit fail with a conflict
	// error if the table's head version has moved since planning.
	ExpectedHead *int64
}

// VersionRef addresses a snapshot either by explicit version or by
// timestamp, which resolves to the latest snapshot at or before that time.
type VersionRef struct {
	Version   int64
	Timestamp time.Time
}

// Validate checks that exactly one addressing form is set.
func (v VersionRef) Validate() error {
	switch {
	case v.Version > 0 && !v.Timestamp.IsZero():
		return terr.NewValidationError(terr.CodeMissingArgument, "version ref must carry a version or a timestamp, not both")
	case v.Version <= 0 && v.Timestamp.IsZero():
		return terr.NewValidationError(terr.CodeMissingArgument, "version ref requires a version number or a timestamp")
	}
	return nil
}

// Open opens (or creates) a catalog database.
func Open(dbPath string) (*Catalog, error) {
	// Write connection: single writer with WAL mode. Transactions take the
	// write lock up front so cross-process contention surfaces at begin, and
	// the busy timeout is kept short so a concurrent writer surfaces as a
	// retryable conflict instead of stalling the caller.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=1000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Catalog{db: db, dbPath: dbPath}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}

	// Read connection pool: concurrent readers via read-only mode. Opened
	// after schema init so the database file exists.
	readDB, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=1000&mode=ro")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: failed to open read database: %w", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)
	c.readDB = readDB

	return c, nil
}

// initSchema creates all required tables and indexes.
func (c *Catalog) initSchema() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := c.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the catalog database connections.
func (c *Catalog) Close() error {
	if c.readDB != nil {
		if err := c.readDB.Close(); err != nil {
			c.db.Close()
			return err
		}
	}
	return c.db.Close()
}

// isBusy reports whether the error is SQLite's concurrent-writer rejection.
func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// wrapCommitErr maps SQLite busy/locked onto the retryable conflict kind.
func wrapCommitErr(msg string, err error) error {
	if isBusy(err) {
		return terr.NewConflictError("concurrent writer holds the catalog", err)
	}
	return terr.NewCatalogError(msg, err)
}

// Commit applies a snapshot-producing commit as one SQLite transaction.
// On success exactly one new snapshot exists; on failure none does.
func (c *Catalog) Commit(ctx context.Context, in CommitInput) (*Snapshot, error) {
	if err := in.Ref.Validate(); err != nil {
		return nil, terr.NewValidationError(terr.CodeMissingArgument, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapCommitErr("failed to begin commit", err)
	}
	defer tx.Rollback()

	now := time.Now()
	tableID, err := c.ensureTableTx(ctx, tx, in, now)
	if err != nil {
		return nil, err
	}

	var head int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE table_id = ?", tableID,
	).Scan(&head); err != nil {
		return nil, wrapCommitErr("failed to read head version", err)
	}

	if in.ExpectedHead != nil && head != *in.ExpectedHead {
		return nil, terr.NewConflictError(
			fmt.Sprintf("table %s moved from version %d to %d during planning", in.Ref, *in.ExpectedHead, head), nil)
	}

	version := head + 1
	// Nanosecond timestamps so timestamp-based resolution orders snapshots
	// committed within the same second.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (table_id, version, operation, author, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tableID, version, in.Operation, in.Author, in.Message, now.UnixNano(),
	); err != nil {
		return nil, wrapCommitErr("failed to insert snapshot", err)
	}

	memberIDs := append([]int64(nil), in.CarryFileIDs...)
	for _, nf := range in.NewFiles {
		pv, err := json.Marshal(nf.PartitionValues)
		if err != nil {
			return nil, terr.NewInternalError("failed to encode partition values", err)
		}
		stats := nf.ColumnStats
		if len(stats) == 0 {
			stats = []byte("{}")
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO data_files (table_id, object_path, row_count, size_bytes, partition_values, column_stats, key_filter, added_version, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tableID, nf.ObjectPath, nf.RowCount, nf.SizeBytes, string(pv), string(stats), nf.KeyFilter, version, now.UnixNano(),
		)
		if err != nil {
			return nil, wrapCommitErr("failed to insert data file", err)
		}
		fileID, err := res.LastInsertId()
		if err != nil {
			return nil, terr.NewInternalError("failed to read file id", err)
		}
		memberIDs = append(memberIDs, fileID)
	}

	for _, fileID := range memberIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO snapshot_files (table_id, version, file_id) VALUES (?, ?, ?)",
			tableID, version, fileID,
		); err != nil {
			return nil, wrapCommitErr("failed to insert snapshot membership", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapCommitErr("failed to commit", err)
	}

	return &Snapshot{
		TableID:   tableID,
		Version:   version,
		Operation: in.Operation,
		Author:    in.Author,
		Message:   in.Message,
		CreatedAt: now,
	}, nil
}

// ensureTableTx finds or creates the table row and applies any partition
// configuration change carried by the commit.
func (c *Catalog) ensureTableTx(ctx context.Context, tx *sql.Tx, in CommitInput, now time.Time) (int64, error) {
	var tableID int64
	err := tx.QueryRowContext(ctx,
		"SELECT table_id FROM tables WHERE schema_name = ? AND table_name = ?",
		in.Ref.Schema, in.Ref.Table,
	).Scan(&tableID)

	if err == sql.ErrNoRows {
		keys := in.PartitionKeys
		if !in.SetPartitionKeys {
			keys = nil
		}
		kj, err := json.Marshal(keysOrEmpty(keys))
		if err != nil {
			return 0, terr.NewInternalError("failed to encode partition keys", err)
		}
		res, err := tx.ExecContext(ctx,
			"INSERT INTO tables (schema_name, table_name, partition_keys, created_at) VALUES (?, ?, ?, ?)",
			in.Ref.Schema, in.Ref.Table, string(kj), now.UnixNano(),
		)
		if err != nil {
			return 0, wrapCommitErr("failed to create table", err)
		}
		return res.LastInsertId()
	}
	if err != nil {
		return 0, wrapCommitErr("failed to look up table", err)
	}

	if in.SetPartitionKeys {
		kj, err := json.Marshal(keysOrEmpty(in.PartitionKeys))
		if err != nil {
			return 0, terr.NewInternalError("failed to encode partition keys", err)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE tables SET partition_keys = ? WHERE table_id = ?", string(kj), tableID,
		); err != nil {
			return 0, wrapCommitErr("failed to update partition keys", err)
		}
	}
	return tableID, nil
}

func keysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

// GetTable retrieves a table by reference.
func (c *Catalog) GetTable(ctx context.Context, ref types.TableRef) (*Table, error) {
	var (
		t         Table
		keysJSON  string
		createdAt int64
	)
	err := c.readDB.QueryRowContext(ctx,
		"SELECT table_id, partition_keys, created_at FROM tables WHERE schema_name = ? AND table_name = ?",
		ref.Schema, ref.Table,
	).Scan(&t.ID, &keysJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFoundError(terr.CodeTableNotFound, fmt.Sprintf("table %s does not exist", ref))
	}
	if err != nil {
		return nil, terr.NewCatalogError("failed to look up table", err)
	}

	if err := json.Unmarshal([]byte(keysJSON), &t.PartitionKeys); err != nil {
		return nil, terr.NewCatalogError("failed to decode partition keys", err)
	}
	t.Ref = ref
	t.CreatedAt = time.Unix(0, createdAt)
	return &t, nil
}

// LatestVersion returns the table's head version, or 0 if no snapshot exists.
func (c *Catalog) LatestVersion(ctx context.Context, tableID int64) (int64, error) {
	var head int64
	err := c.readDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM snapshots WHERE table_id = ?", tableID,
	).Scan(&head)
	if err != nil {
		return 0, terr.NewCatalogError("failed to read head version", err)
	}
	return head, nil
}

// GetSnapshot retrieves one snapshot by exact version.
func (c *Catalog) GetSnapshot(ctx context.Context, tableID, version int64) (*Snapshot, error) {
	row := c.readDB.QueryRowContext(ctx,
		`SELECT table_id, version, operation, author, message, created_at
		 FROM snapshots WHERE table_id = ? AND version = ?`, tableID, version)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFoundError(terr.CodeSnapshotNotFound, fmt.Sprintf("version %d does not exist", version))
	}
	if err != nil {
		return nil, terr.NewCatalogError("failed to read snapshot", err)
	}
	return s, nil
}

// ResolveVersion resolves a version token to a concrete snapshot.
// Timestamps resolve to the latest snapshot at or before the given time.
func (c *Catalog) ResolveVersion(ctx context.Context, tableID int64, ref VersionRef) (*Snapshot, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	if ref.Version > 0 {
		return c.GetSnapshot(ctx, tableID, ref.Version)
	}

	row := c.readDB.QueryRowContext(ctx,
		`SELECT table_id, version, operation, author, message, created_at
		 FROM snapshots WHERE table_id = ? AND created_at <= ?
		 ORDER BY version DESC LIMIT 1`, tableID, ref.Timestamp.UnixNano())
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, terr.NewNotFoundError(terr.CodeSnapshotNotFound,
			fmt.Sprintf("no snapshot exists at or before %s", ref.Timestamp.Format(time.RFC3339)))
	}
	if err != nil {
		return nil, terr.NewCatalogError("failed to resolve version", err)
	}
	return s, nil
}

// ListSnapshots returns all snapshots of a table in version order.
func (c *Catalog) ListSnapshots(ctx context.Context, tableID int64) ([]*Snapshot, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT table_id, version, operation, author, message, created_at
		 FROM snapshots WHERE table_id = ? ORDER BY version ASC`, tableID)
	if err != nil {
		return nil, terr.NewCatalogError("failed to list snapshots", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		s, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, terr.NewCatalogError("failed to scan snapshot", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, terr.NewCatalogError("error iterating snapshots", err)
	}
	return snaps, nil
}

// FilesForSnapshot returns the data files making up a snapshot's content.
func (c *Catalog) FilesForSnapshot(ctx context.Context, tableID, version int64) ([]*FileRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT f.file_id, f.table_id, f.object_path, f.row_count, f.size_bytes,
		        f.partition_values, f.column_stats, f.key_filter, f.added_version, f.created_at
		 FROM data_files f
		 JOIN snapshot_files sf ON sf.file_id = f.file_id
		 WHERE sf.table_id = ? AND sf.version = ?
		 ORDER BY f.file_id ASC`, tableID, version)
	if err != nil {
		return nil, terr.NewCatalogError("failed to query snapshot files", err)
	}
	defer rows.Close()

	return collectFileRecords(rows)
}

// SnapshotsBefore returns snapshots created strictly before the cutoff, in
// version order.
func (c *Catalog) SnapshotsBefore(ctx context.Context, tableID int64, cutoff time.Time) ([]*Snapshot, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT table_id, version, operation, author, message, created_at
		 FROM snapshots WHERE table_id = ? AND created_at < ?
		 ORDER BY version ASC`, tableID, cutoff.UnixNano())
	if err != nil {
		return nil, terr.NewCatalogError("failed to query expired snapshots", err)
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		s, err := scanSnapshotRows(rows)
		if err != nil {
			return nil, terr.NewCatalogError("failed to scan snapshot", err)
		}
		snaps = append(snaps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, terr.NewCatalogError("error iterating snapshots", err)
	}
	return snaps, nil
}

// FilesUnreachableFrom returns data files not referenced by any snapshot at
// or above the frontier version. These are the only files vacuum may delete:
// a file shared with a retained snapshot never appears here.
func (c *Catalog) FilesUnreachableFrom(ctx context.Context, tableID, frontier int64) ([]*FileRecord, error) {
	rows, err := c.readDB.QueryContext(ctx,
		`SELECT f.file_id, f.table_id, f.object_path, f.row_count, f.size_bytes,
		        f.partition_values, f.column_stats, f.key_filter, f.added_version, f.created_at
		 FROM data_files f
		 WHERE f.table_id = ?
		   AND NOT EXISTS (
		     SELECT 1 FROM snapshot_files sf
		     WHERE sf.file_id = f.file_id AND sf.version >= ?
		   )
		 ORDER BY f.file_id ASC`, tableID, frontier)
	if err != nil {
		return nil, terr.NewCatalogError("failed to query unreachable files", err)
	}
	defer rows.Close()

	return collectFileRecords(rows)
}

// DeleteSnapshots removes snapshot records and their file membership rows.
// Used by vacuum after the corresponding physical files are gone.
func (c *Catalog) DeleteSnapshots(ctx context.Context, tableID int64, versions []int64) error {
	if len(versions) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapCommitErr("failed to begin snapshot deletion", err)
	}
	defer tx.Rollback()

	for _, v := range versions {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM snapshot_files WHERE table_id = ? AND version = ?", tableID, v); err != nil {
			return wrapCommitErr("failed to delete snapshot membership", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM snapshots WHERE table_id = ? AND version = ?", tableID, v); err != nil {
			return wrapCommitErr("failed to delete snapshot", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapCommitErr("failed to commit snapshot deletion", err)
	}
	return nil
}

// DeleteFileRecords removes data file records after their objects are gone.
func (c *Catalog) DeleteFileRecords(ctx context.Context, fileIDs []int64) error {
	if len(fileIDs) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapCommitErr("failed to begin file deletion", err)
	}
	defer tx.Rollback()

	for _, id := range fileIDs {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM data_files WHERE file_id = ?", id); err != nil {
			return wrapCommitErr("failed to delete file record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapCommitErr("failed to commit file deletion", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row *sql.Row) (*Snapshot, error) {
	return scanSnapshotFrom(row)
}

func scanSnapshotRows(rows *sql.Rows) (*Snapshot, error) {
	return scanSnapshotFrom(rows)
}

func scanSnapshotFrom(r rowScanner) (*Snapshot, error) {
	var (
		s         Snapshot
		author    sql.NullString
		message   sql.NullString
		createdAt int64
	)
	if err := r.Scan(&s.TableID, &s.Version, &s.Operation, &author, &message, &createdAt); err != nil {
		return nil, err
	}
	s.Author = author.String
	s.Message = message.String
	s.CreatedAt = time.Unix(0, createdAt)
	return &s, nil
}

func collectFileRecords(rows *sql.Rows) ([]*FileRecord, error) {
	var files []*FileRecord
	for rows.Next() {
		var (
			f         FileRecord
			pvJSON    string
			statsJSON string
			createdAt int64
		)
		if err := rows.Scan(&f.FileID, &f.TableID, &f.ObjectPath, &f.RowCount, &f.SizeBytes,
			&pvJSON, &statsJSON, &f.KeyFilter, &f.AddedVersion, &createdAt); err != nil {
			return nil, terr.NewCatalogError("failed to scan file record", err)
		}
		if err := json.Unmarshal([]byte(pvJSON), &f.PartitionValues); err != nil {
			return nil, terr.NewCatalogError("failed to decode partition values", err)
		}
		f.ColumnStats = json.RawMessage(statsJSON)
		f.CreatedAt = time.Unix(0, createdAt)
		files = append(files, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, terr.NewCatalogError("error iterating file records", err)
	}
	return files, nil
}
