package xid

import "testing"

func TestNewIsUniqueAndValid(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := New()
		if !Valid(id) {
			t.Fatalf("invalid id %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestNewIsTimeOrdered(t *testing.T) {
	a := New()
	b := New()
	if a >= b {
		t.Fatalf("expected %q < %q", a, b)
	}
}
