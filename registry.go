// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package tcpclient

import (
	"cmp"
	"slices"
	"sync"

	"github.com/creachadair/tcpclient/proto"
)

// A registry maps service-assigned ids to live objects, and remembers the
// order in which they were added. A single mutex guards the table.
type registry[T any] struct {
	μ    sync.Mutex
	seq  uint64
	byID map[proto.ID]regEntry[T]
}

type regEntry[T any] struct {
	seq uint64
	v   T
}

// insert adds v under id. It reports false without effect if id is already
// present.
func (r *registry[T]) insert(id proto.ID, v T) bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	if _, ok := r.byID[id]; ok {
		return false
	}
	if r.byID == nil {
		r.byID = make(map[proto.ID]regEntry[T])
	}
	r.seq++
	r.byID[id] = regEntry[T]{seq: r.seq, v: v}
	return true
}

// remove removes and returns the value for id, if present.
func (r *registry[T]) remove(id proto.ID) (T, bool) {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	return e.v, ok
}

// lookup returns the value for id, or ErrNotFound.
func (r *registry[T]) lookup(id proto.ID) (T, error) {
	r.μ.Lock()
	defer r.μ.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return e.v, ErrNotFound
	}
	return e.v, nil
}

// list returns the values in the order they were inserted.
func (r *registry[T]) list() []T {
	r.μ.Lock()
	es := make([]regEntry[T], 0, len(r.byID))
	for _, e := range r.byID {
		es = append(es, e)
	}
	r.μ.Unlock()

	slices.SortFunc(es, func(a, b regEntry[T]) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]T, len(es))
	for i, e := range es {
		out[i] = e.v
	}
	return out
}

// len reports the number of live entries.
func (r *registry[T]) len() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.byID)
}
