// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package pvector implements the priority-vector primitive spec.md §6
// lists as an external collaborator: a dynamic array of (priority,
// pointer) entries with a Publish operation that makes re-sorted order
// visible to readers.
//
// Mutation (Upsert/Remove) only ever touches the writer's private
// staging slice; Publish is the single "re-sort and swap" moment readers
// observe, via the same release-store-of-a-pointer idiom used throughout
// this module's rcu package and modeled on the reference library's
// copy-then-swap persistence.
package pvector

import (
	"sort"
	"sync/atomic"
)

// Entry pairs a priority with an opaque identity.
type Entry[V any] struct {
	Priority int64
	Value    V
}

// Vector is a priority-ordered vector with deferred publication. The
// zero value is ready to use.
type Vector[V any] struct {
	published atomic.Pointer[[]Entry[V]]
	staging   []Entry[V]
}

// Snapshot returns the last-published, descending-by-priority slice.
// Safe for concurrent readers; the returned slice is never mutated after
// publication, so callers may range over it without copying.
func (v *Vector[V]) Snapshot() []Entry[V] {
	p := v.published.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Upsert inserts an entry with the given priority, or updates the
// priority of the existing entry for which equal returns true. It only
// mutates the writer-private staging slice; call Publish to make the
// change (and any new relative order) visible to readers.
func (v *Vector[V]) Upsert(value V, priority int64, equal func(V, V) bool) {
	for i := range v.staging {
		if equal(v.staging[i].Value, value) {
			v.staging[i].Priority = priority
			return
		}
	}
	v.staging = append(v.staging, Entry[V]{Priority: priority, Value: value})
}

// Remove deletes the entry for which equal returns true, if any.
func (v *Vector[V]) Remove(value V, equal func(V, V) bool) {
	for i := range v.staging {
		if equal(v.staging[i].Value, value) {
			v.staging = append(v.staging[:i], v.staging[i+1:]...)
			return
		}
	}
}

// Publish sorts the staging slice descending by priority and atomically
// swaps it in as the new published snapshot. Ties keep their relative
// staging order (stable sort), so insertion order breaks priority ties
// the way spec.md §4.5's conjunction tie-break and §8's scenario-1
// ordering both rely on.
func (v *Vector[V]) Publish() {
	snap := make([]Entry[V], len(v.staging))
	copy(snap, v.staging)

	sort.SliceStable(snap, func(i, j int) bool {
		return snap[i].Priority > snap[j].Priority
	})

	v.published.Store(&snap)
}

// Len reports the number of staged entries (writer-side only).
func (v *Vector[V]) Len() int { return len(v.staging) }
