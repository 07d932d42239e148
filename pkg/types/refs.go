package types

import (
	"fmt"
	"strings"
)

// DatasetRef identifies a dataset on the folder-based backend.
// Section maps to a top-level directory, Dataset to a directory under it.
type DatasetRef struct {
	Section string `json:"section"`
	Dataset string `json:"dataset"`
}

// String returns the section/dataset path form.
func (d DatasetRef) String() string {
	return d.Section + "/" + d.Dataset
}

// Validate checks that both components are non-empty.
func (d DatasetRef) Validate() error {
	if d.Section == "" || d.Dataset == "" {
		return fmt.Errorf("types: dataset ref requires both section and dataset, got %q/%q", d.Section, d.Dataset)
	}
	return nil
}

// ParseDatasetRef parses the section/dataset path form.
func ParseDatasetRef(s string) (DatasetRef, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 {
		return DatasetRef{}, fmt.Errorf("types: dataset ref must be section/dataset, got %q", s)
	}
	ref := DatasetRef{Section: parts[0], Dataset: parts[1]}
	return ref, ref.Validate()
}

// TableRef identifies a table on the catalog-backed backend.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

// String returns the qualified schema.table form.
func (t TableRef) String() string {
	return t.Schema + "." + t.Table
}

// Validate checks that both components are non-empty.
func (t TableRef) Validate() error {
	if t.Schema == "" || t.Table == "" {
		return fmt.Errorf("types: table ref requires both schema and table, got %q.%q", t.Schema, t.Table)
	}
	return nil
}

// ParseTableRef parses the qualified schema.table form.
func ParseTableRef(s string) (TableRef, error) {
	parts := strings.SplitN(s, ".", 2)
	if len(parts) != 2 {
		return TableRef{}, fmt.Errorf("types: table ref must be schema.table, got %q", s)
	}
	ref := TableRef{Schema: parts[0], Table: parts[1]}
	return ref, ref.Validate()
}
