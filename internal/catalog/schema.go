// Package catalog provides the transactional catalog for the lake backend.
// The catalog is a SQLite database (catalog.db) that is the source of truth
// for table configuration, snapshot history, and snapshot-to-file membership.
// Physical data files live in object storage; the catalog only references
// them, so a commit is a single SQLite transaction and readers never observe
// a half-committed table.
package catalog

// CreateTablesTableSQL creates the tables table. Partition keys are stored
// as a JSON array; changing them affects only future writes.
const CreateTablesTableSQL = `
CREATE TABLE IF NOT EXISTS tables (
    table_id INTEGER PRIMARY KEY AUTOINCREMENT,
    schema_name TEXT NOT NULL,
    table_name TEXT NOT NULL,
    partition_keys TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    UNIQUE (schema_name, table_name)
)`

// CreateSnapshotsTableSQL creates the snapshots table. Versions are strictly
// increasing per table and never mutated after creation; rollback appends a
// new version rather than rewriting history.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    table_id INTEGER NOT NULL,
    version INTEGER NOT NULL,
    operation TEXT NOT NULL,
    author TEXT,
    message TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_id, version),
    FOREIGN KEY (table_id) REFERENCES tables(table_id)
)`

// CreateDataFilesTableSQL creates the data files table. A file row is
// written once when the file is first committed and deleted only by vacuum;
// column_stats is a JSON object of per-column min/max bounds and key_filter
// is a serialized bloom filter over the file's cells.
const CreateDataFilesTableSQL = `
CREATE TABLE IF NOT EXISTS data_files (
    file_id INTEGER PRIMARY KEY AUTOINCREMENT,
    table_id INTEGER NOT NULL,
    object_path TEXT NOT NULL UNIQUE,
    row_count INTEGER NOT NULL,
    size_bytes INTEGER NOT NULL,
    partition_values TEXT NOT NULL DEFAULT '{}',
    column_stats TEXT NOT NULL DEFAULT '{}',
    key_filter BLOB,
    added_version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (table_id) REFERENCES tables(table_id)
)`

// CreateSnapshotFilesTableSQL creates the snapshot membership table: which
// files make up the content of each snapshot.
const CreateSnapshotFilesTableSQL = `
CREATE TABLE IF NOT EXISTS snapshot_files (
    table_id INTEGER NOT NULL,
    version INTEGER NOT NULL,
    file_id INTEGER NOT NULL,
    PRIMARY KEY (table_id, version, file_id),
    FOREIGN KEY (table_id, version) REFERENCES snapshots(table_id, version),
    FOREIGN KEY (file_id) REFERENCES data_files(file_id)
)`

// CreateIndexesSQL creates indexes for snapshot resolution and vacuum scans.
var CreateIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_snapshots_created ON snapshots(table_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_files_file ON snapshot_files(file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_data_files_table ON data_files(table_id)`,
}

// AllSchemaSQL returns all schema statements in dependency order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateTablesTableSQL,
		CreateSnapshotsTableSQL,
		CreateDataFilesTableSQL,
		CreateSnapshotFilesTableSQL,
	}
	stmts = append(stmts, CreateIndexesSQL...)
	return stmts
}
