// Package hive executes write plans against the folder-based backend: a
// directory tree of partitioned segment files with no transactional catalog.
// Partition column values are encoded into key=value path segments.
package hive

import (
	"net/url"
	"strings"

	"github.com/tarndb/tarn/pkg/types"
)

// DatasetPrefix returns the object-path prefix of a dataset, with a trailing
// slash so listings never leak a sibling dataset sharing a name prefix.
func DatasetPrefix(ref types.DatasetRef) string {
	return ref.Section + "/" + ref.Dataset + "/"
}

// PartitionPath encodes partition values as key=value path segments in key
// order. Empty keys encode to an empty path (file sits in the dataset root).
func PartitionPath(keys []string, values map[string]string) string {
	if len(keys) == 0 {
		return ""
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := values[k]
		if !ok {
			continue
		}
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
	}
	return strings.Join(parts, "/")
}

// ParsePartitionValues extracts partition values from a file path relative
// to the dataset prefix. Path segments without a key=value shape (including
// the file name itself) are skipped.
func ParsePartitionValues(relPath string) map[string]string {
	values := map[string]string{}
	segs := strings.Split(relPath, "/")
	for i, seg := range segs {
		if i == len(segs)-1 {
			break // file name
		}
		eq := strings.IndexByte(seg, '=')
		if eq <= 0 {
			continue
		}
		k, errK := url.QueryUnescape(seg[:eq])
		v, errV := url.QueryUnescape(seg[eq+1:])
		if errK != nil || errV != nil {
			continue
		}
		values[k] = v
	}
	return values
}

// FilePath assembles the full object path for a file within a dataset.
func FilePath(ref types.DatasetRef, partitionPath, name string) string {
	if partitionPath == "" {
		return DatasetPrefix(ref) + name
	}
	return DatasetPrefix(ref) + partitionPath + "/" + name
}
