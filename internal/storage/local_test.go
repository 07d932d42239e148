package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func newLocal(t *testing.T) (*LocalStorage, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	return s, dir
}

func TestLocalStorage_PutGetRoundTrip(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	payload := []byte("hello segment")
	if err := s.Put(ctx, "sales/orders/part-1.seg", payload); err != nil {
		t.Fatalf("failed to put: %v", err)
	}

	got, err := s.Get(ctx, "sales/orders/part-1.seg")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("content mismatch: got %q", got)
	}
}

func TestLocalStorage_GetMissing(t *testing.T) {
	s, _ := newLocal(t)
	_, err := s.Get(context.Background(), "no/such/object")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DeleteIsIdempotent(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "a/b.seg", []byte("x")); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := s.Delete(ctx, "a/b.seg"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	// Second delete of the same path must not fail.
	if err := s.Delete(ctx, "a/b.seg"); err != nil {
		t.Fatalf("repeated delete must succeed, got %v", err)
	}

	ok, err := s.Exists(ctx, "a/b.seg")
	if err != nil {
		t.Fatalf("failed to check existence: %v", err)
	}
	if ok {
		t.Errorf("object still exists after delete")
	}
}

func TestLocalStorage_DeletePrunesEmptyDirs(t *testing.T) {
	s, dir := newLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "sales/orders/region=eu/part-1.seg", []byte("x")); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := s.Delete(ctx, "sales/orders/region=eu/part-1.seg"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "sales", "orders", "region=eu")); !os.IsNotExist(err) {
		t.Errorf("empty partition directory should be pruned")
	}
}

func TestLocalStorage_ListPrefixSorted(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	paths := []string{
		"sales/orders/b.seg",
		"sales/orders/a.seg",
		"sales/refunds/c.seg",
	}
	for _, p := range paths {
		if err := s.Put(ctx, p, []byte("x")); err != nil {
			t.Fatalf("failed to put %s: %v", p, err)
		}
	}

	got, err := s.List(ctx, "sales/orders/")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	want := []string{"sales/orders/a.seg", "sales/orders/b.seg"}
	if len(got) != len(want) {
		t.Fatalf("list mismatch: got %v, want %v", got, want)
	}
	if !sort.StringsAreSorted(got) {
		t.Errorf("list must be sorted: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("list mismatch at %d: got %s, want %s", i, got[i], want[i])
		}
	}

	empty, err := s.List(ctx, "no/such/prefix/")
	if err != nil {
		t.Fatalf("failed to list empty prefix: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty listing, got %v", empty)
	}
}

func TestLocalStorage_PutOverwrites(t *testing.T) {
	s, _ := newLocal(t)
	ctx := context.Background()

	if err := s.Put(ctx, "a.seg", []byte("old")); err != nil {
		t.Fatalf("failed to put: %v", err)
	}
	if err := s.Put(ctx, "a.seg", []byte("new")); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}
	got, err := s.Get(ctx, "a.seg")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(got) != "new" {
		t.Errorf("overwrite lost: got %q", got)
	}
}
