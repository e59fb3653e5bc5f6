// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"errors"
	"testing"

	"github.com/creachadair/tcpclient/proto"
	"github.com/google/go-cmp/cmp"
)

func TestRegistry(t *testing.T) {
	var r registry[string]

	if _, err := r.lookup(1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Lookup in empty registry: got %v, want %v", err, ErrNotFound)
	}
	for _, id := range []proto.ID{30, 10, 20} {
		if !r.insert(id, id.String()) {
			t.Errorf("Insert %v failed", id)
		}
	}
	if r.insert(10, "dup") {
		t.Error("Insert of a duplicate id succeeded")
	}
	if got, err := r.lookup(10); err != nil || got != "10" {
		t.Errorf("Lookup 10: got (%q, %v), want 10", got, err)
	}
	if diff := cmp.Diff([]string{"30", "10", "20"}, r.list()); diff != "" {
		t.Errorf("List (-want, +got):\n%s", diff)
	}

	if v, ok := r.remove(30); !ok || v != "30" {
		t.Errorf("Remove 30: got (%q, %v), want 30", v, ok)
	}
	if _, ok := r.remove(30); ok {
		t.Error("Remove 30 again succeeded")
	}
	r.insert(30, "again")
	if diff := cmp.Diff([]string{"10", "20", "again"}, r.list()); diff != "" {
		t.Errorf("List (-want, +got):\n%s", diff)
	}
	if n := r.len(); n != 3 {
		t.Errorf("Len: got %d, want 3", n)
	}
}
