// Package main implements the tarn command line interface: mode-dispatched
// writes to folder datasets, versioned writes and merges on catalog tables,
// and snapshot history operations (log, diff, rollback, vacuum).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tarndb/tarn/internal/catalog"
	"github.com/tarndb/tarn/internal/config"
	"github.com/tarndb/tarn/internal/lake"
	"github.com/tarndb/tarn/internal/lifecycle"
	"github.com/tarndb/tarn/internal/session"
	"github.com/tarndb/tarn/pkg/types"
)

var (
	version = "dev"
	commit  = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, "tarn - write-path and versioning engine for shared analytical data\n\n")
	fmt.Fprintf(os.Stderr, "Usage: tarn <command> [options]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  write      Write rows to a folder dataset (section/dataset)\n")
	fmt.Fprintf(os.Stderr, "  commit     Write rows to a catalog table (schema.table)\n")
	fmt.Fprintf(os.Stderr, "  upsert     Merge rows into a catalog table on match keys\n")
	fmt.Fprintf(os.Stderr, "  read       Print a table's content at a version or timestamp\n")
	fmt.Fprintf(os.Stderr, "  log        List a table's snapshots\n")
	fmt.Fprintf(os.Stderr, "  diff       Compare two snapshots of a table\n")
	fmt.Fprintf(os.Stderr, "  rollback   Restore a table to an earlier snapshot\n")
	fmt.Fprintf(os.Stderr, "  vacuum     Expire old snapshots and unreferenced files\n")
	fmt.Fprintf(os.Stderr, "  version    Show version information\n")
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  TARN_DATA_DIR        Base directory for catalog and local storage\n")
	fmt.Fprintf(os.Stderr, "  TARN_AUTHOR          Author recorded on committed snapshots\n")
	fmt.Fprintf(os.Stderr, "  TARN_STORAGE_TYPE    Storage type (local, s3)\n")
	fmt.Fprintf(os.Stderr, "  TARN_S3_BUCKET       S3 bucket when storage type is s3\n")
}

func main() {
	// .env is optional and loses to real environment variables.
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if cmd == "version" {
		fmt.Printf("tarn version %s (commit: %s)\n", version, commit)
		return
	}
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		usage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cmd, args); err != nil {
		log.Fatalf("tarn %s: %v", cmd, err)
	}
}

func run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "write":
		return runWrite(ctx, args)
	case "commit":
		return runCommit(ctx, args)
	case "upsert":
		return runUpsert(ctx, args)
	case "read":
		return runRead(ctx, args)
	case "log":
		return runLog(ctx, args)
	case "diff":
		return runDiff(ctx, args)
	case "rollback":
		return runRollback(ctx, args)
	case "vacuum":
		return runVacuum(ctx, args)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newFlagSet wires the flags every command shares.
func newFlagSet(name string, configFile *string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(configFile, "config", "", "Path to configuration file (YAML or JSON)")
	return fs
}

func openSession(ctx context.Context, configFile string) (*session.Session, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	return session.Open(ctx, cfg)
}

// loadRows reads a JSON array of row objects from a file, or stdin for "-".
func loadRows(path string) ([]types.Row, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -data flag")
	}
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	var rows []types.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("rows must be a JSON array of objects: %w", err)
	}
	return rows, nil
}

func parseMode(name string) (types.WriteMode, error) {
	switch name {
	case "overwrite":
		return types.Overwrite{}, nil
	case "append":
		return types.Append{}, nil
	case "ignore":
		return types.Ignore{}, nil
	case "replace_partitions":
		return types.ReplacePartitions{}, nil
	default:
		return nil, fmt.Errorf("unknown write mode %q (overwrite, append, ignore, replace_partitions)", name)
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// parseVersionRef accepts a version number or an RFC 3339 timestamp.
func parseVersionRef(s string) (catalog.VersionRef, error) {
	if s == "" {
		return catalog.VersionRef{}, fmt.Errorf("missing version or timestamp")
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return catalog.VersionRef{Version: v}, nil
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return catalog.VersionRef{Timestamp: ts}, nil
	}
	return catalog.VersionRef{}, fmt.Errorf("%q is neither a version number nor an RFC 3339 timestamp", s)
}

func runWrite(ctx context.Context, args []string) error {
	var configFile, dataset, dataFile, modeName, partitionBy string
	var dryRun bool
	fs := newFlagSet("write", &configFile)
	fs.StringVar(&dataset, "dataset", "", "Target dataset as section/dataset")
	fs.StringVar(&dataFile, "data", "", "JSON file holding an array of rows (- for stdin)")
	fs.StringVar(&modeName, "mode", "append", "Write mode: overwrite, append, ignore, replace_partitions")
	fs.StringVar(&partitionBy, "partition-by", "", "Comma-separated partition columns")
	fs.BoolVar(&dryRun, "dry-run", false, "Print the plan without executing it")
	fs.Parse(args)

	ref, err := types.ParseDatasetRef(dataset)
	if err != nil {
		return err
	}
	mode, err := parseMode(modeName)
	if err != nil {
		return err
	}
	rows, err := loadRows(dataFile)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	if dryRun {
		p, err := s.PreviewWrite(ctx, ref, rows, mode, splitList(partitionBy))
		if err != nil {
			return err
		}
		fmt.Print(p.Summary())
		return nil
	}

	res, err := s.Write(ctx, ref, rows, mode, splitList(partitionBy))
	if err != nil {
		return err
	}
	if res.Skipped {
		fmt.Printf("skipped: %s already exists\n", res.Path)
		return nil
	}
	fmt.Printf("wrote %d rows to %s (%d files written, %d deleted)\n",
		res.RowsWritten, res.Path, res.FilesWritten, res.FilesDeleted)
	return nil
}

func runCommit(ctx context.Context, args []string) error {
	var configFile, table, dataFile, modeName, partitionBy, message string
	fs := newFlagSet("commit", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&dataFile, "data", "", "JSON file holding an array of rows (- for stdin)")
	fs.StringVar(&modeName, "mode", "append", "Write mode: overwrite, append")
	fs.StringVar(&partitionBy, "partition-by", "", "Partition columns (overwrite only)")
	fs.StringVar(&message, "message", "", "Snapshot message")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}
	mode, err := parseMode(modeName)
	if err != nil {
		return err
	}
	rows, err := loadRows(dataFile)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := lake.WriteOptions{Message: message}
	if partitionBy != "" {
		opts.SetPartitionKeys = true
		opts.PartitionKeys = splitList(partitionBy)
	}
	res, err := s.LakeWrite(ctx, ref, rows, mode, opts)
	if err != nil {
		return err
	}
	fmt.Printf("committed %s version %d (%d rows, %d files)\n",
		res.Table, res.Version, res.RowsWritten, res.FilesWritten)
	return nil
}

func runUpsert(ctx context.Context, args []string) error {
	var configFile, table, dataFile, matchOn, updateCols, message string
	var insertOnly, dryRun bool
	fs := newFlagSet("upsert", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&dataFile, "data", "", "JSON file holding an array of rows (- for stdin)")
	fs.StringVar(&matchOn, "match-on", "", "Comma-separated match key columns")
	fs.StringVar(&updateCols, "update-cols", "", "Columns to update on match (default: all non-key)")
	fs.BoolVar(&insertOnly, "insert-only", false, "Leave matched rows untouched")
	fs.StringVar(&message, "message", "", "Snapshot message")
	fs.BoolVar(&dryRun, "dry-run", false, "Print the merge plan without executing it")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}
	rows, err := loadRows(dataFile)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := lake.UpsertOptions{
		InsertOnly:    insertOnly,
		UpdateColumns: splitList(updateCols),
		Message:       message,
	}
	if dryRun {
		p, err := s.PreviewUpsert(ctx, ref, rows, splitList(matchOn), opts)
		if err != nil {
			return err
		}
		fmt.Print(p.Summary())
		return nil
	}

	res, err := s.Upsert(ctx, ref, rows, splitList(matchOn), opts)
	if err != nil {
		return err
	}
	fmt.Printf("merged into %s version %d (%d inserted, %d updated, %d files rewritten)\n",
		res.Table, res.Version, res.Inserted, res.Updated, res.FilesRewritten)
	return nil
}

func runRead(ctx context.Context, args []string) error {
	var configFile, table, at string
	fs := newFlagSet("read", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&at, "at", "", "Version number or RFC 3339 timestamp (default: head)")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	var rows []types.Row
	var snap *catalog.Snapshot
	if at == "" {
		rows, snap, err = s.ReadTableHead(ctx, ref)
	} else {
		var vref catalog.VersionRef
		if vref, err = parseVersionRef(at); err != nil {
			return err
		}
		rows, snap, err = s.ReadTable(ctx, ref, vref)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	fmt.Fprintf(os.Stderr, "%d rows at %s version %d\n", len(rows), ref, snap.Version)
	return nil
}

func runLog(ctx context.Context, args []string) error {
	var configFile, table string
	fs := newFlagSet("log", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	snaps, err := s.ListSnapshots(ctx, ref)
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		line := fmt.Sprintf("v%-6d %-10s %s", snap.Version, snap.Operation, snap.CreatedAt.Format(time.RFC3339))
		if snap.Author != "" {
			line += "  " + snap.Author
		}
		if snap.Message != "" {
			line += "  " + snap.Message
		}
		fmt.Println(line)
	}
	return nil
}

func runDiff(ctx context.Context, args []string) error {
	var configFile, table, from, to string
	var showRows bool
	fs := newFlagSet("diff", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&from, "from", "", "Older version number or RFC 3339 timestamp")
	fs.StringVar(&to, "to", "", "Newer version number or RFC 3339 timestamp")
	fs.BoolVar(&showRows, "rows", false, "Print the changed rows, not just counts")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}
	fromRef, err := parseVersionRef(from)
	if err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	toRef, err := parseVersionRef(to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := s.Diff(ctx, ref, fromRef, toRef)
	if err != nil {
		return err
	}
	fmt.Println(d.Summary())
	if showRows {
		for _, r := range d.Removed {
			b, _ := r.Canonical()
			fmt.Printf("- %s\n", b)
		}
		for _, r := range d.Added {
			b, _ := r.Canonical()
			fmt.Printf("+ %s\n", b)
		}
	}
	return nil
}

func runRollback(ctx context.Context, args []string) error {
	var configFile, table, to, message string
	fs := newFlagSet("rollback", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&to, "to", "", "Target version number or RFC 3339 timestamp")
	fs.StringVar(&message, "message", "", "Snapshot message")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}
	target, err := parseVersionRef(to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Rollback(ctx, ref, target, message)
	if err != nil {
		return err
	}
	fmt.Printf("rolled back %s to version %d as new version %d (%d rows)\n",
		res.Table, res.TargetVersion, res.NewVersion, res.RowCount)
	return nil
}

func runVacuum(ctx context.Context, args []string) error {
	var configFile, table, olderThan string
	var keepLast int
	var dryRun bool
	fs := newFlagSet("vacuum", &configFile)
	fs.StringVar(&table, "table", "", "Target table as schema.table")
	fs.StringVar(&olderThan, "older-than", "", "Age cutoff as a duration, e.g. 720h (default: configured retention)")
	fs.IntVar(&keepLast, "keep-last", 0, "Always keep the N most recent snapshots (default: configured)")
	fs.BoolVar(&dryRun, "dry-run", false, "Report what would be removed without removing it")
	fs.Parse(args)

	ref, err := types.ParseTableRef(table)
	if err != nil {
		return err
	}

	opts := lifecycle.VacuumOptions{KeepLast: keepLast, DryRun: dryRun}
	if olderThan != "" {
		d, err := time.ParseDuration(olderThan)
		if err != nil {
			return fmt.Errorf("-older-than: %w", err)
		}
		opts.OlderThan = d
	}

	s, err := openSession(ctx, configFile)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := s.Vacuum(ctx, ref, opts)
	if err != nil {
		return err
	}
	fmt.Println(res.Summary())
	return nil
}
