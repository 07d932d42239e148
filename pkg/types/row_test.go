package types

import (
	"testing"
)

func TestRow_FingerprintIgnoresKeyOrder(t *testing.T) {
	// Maps have no order, but the canonical form must be deterministic so
	// equal rows always fingerprint equally.
	a := Row{"id": 1, "name": "alice", "score": 2.5}
	b := Row{"score": 2.5, "id": 1, "name": "alice"}

	fa, err := a.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	fb, err := b.Fingerprint()
	if err != nil {
		t.Fatalf("failed to fingerprint: %v", err)
	}
	if fa != fb {
		t.Errorf("equal rows fingerprint differently")
	}

	c := Row{"id": 1, "name": "alice", "score": 2.6}
	fc, _ := c.Fingerprint()
	if fa == fc {
		t.Errorf("distinct rows should fingerprint differently")
	}
}

func TestRow_KeyHashUsesOnlyKeyColumns(t *testing.T) {
	a := Row{"id": 1, "region": "eu", "payload": "x"}
	b := Row{"id": 1, "region": "eu", "payload": "completely different"}

	ha, err := a.KeyHash([]string{"id", "region"})
	if err != nil {
		t.Fatalf("failed to hash keys: %v", err)
	}
	hb, err := b.KeyHash([]string{"id", "region"})
	if err != nil {
		t.Fatalf("failed to hash keys: %v", err)
	}
	if ha != hb {
		t.Errorf("key hash must ignore non-key columns")
	}

	c := Row{"id": 2, "region": "eu", "payload": "x"}
	hc, _ := c.KeyHash([]string{"id", "region"})
	if ha == hc {
		t.Errorf("different keys should hash differently")
	}
}

func TestRow_KeyHashMissingColumn(t *testing.T) {
	if _, err := (Row{"id": 1}).KeyHash([]string{"id", "region"}); err == nil {
		t.Fatalf("expected error for missing key column")
	}
}

func TestRow_NormalizeMatchesDecodedForm(t *testing.T) {
	r := Row{"id": int64(7), "active": true, "score": 1.5}
	n, err := r.Normalize()
	if err != nil {
		t.Fatalf("failed to normalize: %v", err)
	}
	if n["id"] != float64(7) {
		t.Errorf("integers must normalize to float64, got %T", n["id"])
	}
	if n["active"] != true {
		t.Errorf("bool changed: %v", n["active"])
	}

	// A normalized row and its int-typed origin must hash equally after
	// both are normalized, which is how write and read sides meet.
	h1, _ := n.Fingerprint()
	n2, _ := Row{"id": 7, "active": true, "score": 1.5}.Normalize()
	h2, _ := n2.Fingerprint()
	if h1 != h2 {
		t.Errorf("normalization is not canonical across integer types")
	}
}

func TestFormatPartitionValue(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{nil, "__NULL__"},
		{"eu", "eu"},
		{true, "true"},
		{false, "false"},
		{float64(42), "42"},
		{float64(1.5), "1.5"},
		{7, "7"},
		{int64(-3), "-3"},
	}
	for _, c := range cases {
		if got := FormatPartitionValue(c.in); got != c.want {
			t.Errorf("FormatPartitionValue(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestParseDatasetRef(t *testing.T) {
	ref, err := ParseDatasetRef("sales/orders")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if ref.Section != "sales" || ref.Dataset != "orders" {
		t.Errorf("parse mismatch: %+v", ref)
	}

	for _, bad := range []string{"", "sales", "/orders", "sales/"} {
		if _, err := ParseDatasetRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestParseTableRef(t *testing.T) {
	ref, err := ParseTableRef("sales.orders")
	if err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if ref.Schema != "sales" || ref.Table != "orders" {
		t.Errorf("parse mismatch: %+v", ref)
	}

	for _, bad := range []string{"", "sales", ".orders", "sales."} {
		if _, err := ParseTableRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
