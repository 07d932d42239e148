// Package storage provides object storage abstractions for the data files
// behind both backends. The folder backend maps a dataset directly onto
// object paths; the lake backend stores catalog-tracked segment files.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts object storage operations.
// Implementations include S3 and the local filesystem.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath.
	// Returns ErrObjectNotFound if the object does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// List returns all object paths under the given prefix in
	// lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}
