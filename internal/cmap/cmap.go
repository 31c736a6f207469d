// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package cmap implements the concurrent map primitive spec.md §6 lists
// as an external collaborator: insert/remove/lookup for 32-bit-hash-keyed
// entries with postponed reclamation, safe for many concurrent readers
// against a single writer.
//
// The structure is a classic chained hash table, but every bucket chain
// is an immutable singly-linked list published by release-store: a
// writer builds a new chain head and swaps it in with atomic.Pointer,
// the same copy-then-swap discipline the reference library uses for
// whole-table persistence in tablepersist.go, applied here at bucket
// granularity instead of whole-trie granularity.
package cmap

import (
	"sync/atomic"

	"github.com/gaissmai/flowclassifier/internal/rcu"
)

// entry is one immutable bucket-chain link. Entries are never mutated in
// place after publication; Delete rebuilds the chain around the removed
// entry instead.
type entry[V any] struct {
	hash  uint32
	value V
	next  atomic.Pointer[entry[V]]
}

type table[V any] struct {
	mask    uint32
	buckets []atomic.Pointer[entry[V]]
}

func newTable[V any](n int) *table[V] {
	// round n up to a power of two
	size := 16
	for size < n {
		size <<= 1
	}
	return &table[V]{
		mask:    uint32(size - 1),
		buckets: make([]atomic.Pointer[entry[V]], size),
	}
}

// Map is a concurrent hash map from 32-bit hash to values of type V.
// There may be several distinct values under the same hash (a genuine
// hash collision); callers disambiguate with an equality callback.
//
// The zero value is not usable; construct with New.
type Map[V any] struct {
	t     atomic.Pointer[table[V]]
	dom   *rcu.Domain
	count atomic.Int64
}

// New returns an empty Map whose deferred reclamation is scheduled
// through dom.
func New[V any](dom *rcu.Domain) *Map[V] {
	m := &Map[V]{dom: dom}
	m.t.Store(newTable[V](16))
	return m
}

// Len returns the number of entries currently in the map.
func (m *Map[V]) Len() int { return int(m.count.Load()) }

// Lookup returns the first value stored under hash for which match
// returns true, walking the bucket chain. Safe for concurrent readers
// against the single writer.
func (m *Map[V]) Lookup(hash uint32, match func(V) bool) (V, bool) {
	t := m.t.Load()
	e := t.buckets[hash&t.mask].Load()

	for e != nil {
		if e.hash == hash && match(e.value) {
			return e.value, true
		}
		e = e.next.Load()
	}

	var zero V
	return zero, false
}

// Each calls fn for every value stored under hash (collisions included).
func (m *Map[V]) Each(hash uint32, fn func(V)) {
	t := m.t.Load()
	e := t.buckets[hash&t.mask].Load()

	for e != nil {
		if e.hash == hash {
			fn(e.value)
		}
		e = e.next.Load()
	}
}

// Insert prepends value under hash. Writer-only: the caller is
// responsible for excluding concurrent writers and for checking
// duplicates first via Lookup if that matters to the caller's semantics.
func (m *Map[V]) Insert(hash uint32, value V) {
	t := m.t.Load()
	b := &t.buckets[hash&t.mask]

	e := &entry[V]{hash: hash, value: value}
	e.next.Store(b.Load())
	b.Store(e)

	m.count.Add(1)

	if int(m.count.Load()) > len(t.buckets)*2 {
		m.grow()
	}
}

// Delete removes the first entry under hash for which match returns
// true, publishing a new bucket chain and posting the removed node for
// reclamation through the rcu domain (postponed: a reader may still be
// mid-traversal of the old chain when Delete returns).
func (m *Map[V]) Delete(hash uint32, match func(V) bool) (V, bool) {
	t := m.t.Load()
	b := &t.buckets[hash&t.mask]

	head := b.Load()

	// find the target and the prefix of untouched nodes ahead of it
	var prefix []*entry[V]
	target := head
	for target != nil {
		if target.hash == hash && match(target.value) {
			break
		}
		prefix = append(prefix, target)
		target = target.next.Load()
	}

	var zero V
	if target == nil {
		return zero, false
	}

	// rebuild the chain without target, reusing target's tail unchanged
	newHead := target.next.Load()
	for i := len(prefix) - 1; i >= 0; i-- {
		clone := &entry[V]{hash: prefix[i].hash, value: prefix[i].value}
		clone.next.Store(newHead)
		newHead = clone
	}

	b.Store(newHead)
	m.count.Add(-1)

	removed := target.value
	if m.dom != nil {
		m.dom.Defer(func() { _ = removed })
	}

	return removed, true
}

// grow doubles the bucket count, rehashes every live entry into a fresh
// table, and swaps it in. The old table is handed to the rcu domain for
// postponed reclamation since readers may be mid-traversal of it.
func (m *Map[V]) grow() {
	old := m.t.Load()
	bigger := newTable[V](len(old.buckets) * 2)

	for i := range old.buckets {
		e := old.buckets[i].Load()
		for e != nil {
			idx := e.hash & bigger.mask
			clone := &entry[V]{hash: e.hash, value: e.value}
			clone.next.Store(bigger.buckets[idx].Load())
			bigger.buckets[idx].Store(clone)
			e = e.next.Load()
		}
	}

	m.t.Store(bigger)
	if m.dom != nil {
		m.dom.Defer(func() { _ = old })
	}
}
