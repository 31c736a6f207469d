// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package rcu implements the read-copy-update / quiescence primitive
// spec.md §5 and §6 name as an external collaborator: readers never take
// locks, a single writer publishes new state via release-store pointer
// swap, and destructors run only after every reader that could have
// observed the old state has quiesced.
//
// The design mirrors the reference library's own writer/reader split —
// compare tablepersist.go's clone-then-swap InsertPersist and the
// atomic.Pointer-guarded SyncLite in cmd/ — generalized from "swap one
// table pointer" to "track arbitrarily many readers and run deferred
// closures once they've all moved past a synchronization point".
package rcu

import (
	"runtime"
	"sync"
	"sync/atomic"
)

func goschedYield() { runtime.Gosched() }

// Domain tracks reader epochs and writer-posted reclamation closures.
// The zero value is ready to use.
type Domain struct {
	epoch   atomic.Uint64 // monotonically increasing global epoch
	mu      sync.Mutex    // serializes readers map mutation and Synchronize
	readers map[*Reader]struct{}
	pending []func()
}

// Reader is a single reader thread's quiescence handle. Obtain one with
// Domain.NewReader and reuse it across many lookups — constructing a
// Reader per call would defeat the point of a lock-free read path.
type Reader struct {
	active atomic.Uint64 // 0 when not in a critical section, else epoch+1
}

// NewReader registers a new reader with the domain.
func (d *Domain) NewReader() *Reader {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.readers == nil {
		d.readers = make(map[*Reader]struct{})
	}

	r := &Reader{}
	d.readers[r] = struct{}{}

	return r
}

// Forget removes a reader that will no longer call Enter/Exit, e.g.
// because its owning goroutine exited.
func (d *Domain) Forget(r *Reader) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.readers, r)
}

// Enter begins a read-side critical section: a lookup or an iteration
// step. End it with r.Exit.
func (d *Domain) Enter(r *Reader) {
	r.active.Store(d.epoch.Load() + 1)
}

// Exit ends a read-side critical section.
func (r *Reader) Exit() {
	r.active.Store(0)
}

// Synchronize advances the global epoch and blocks the single writer
// until every currently-registered reader has either exited its critical
// section or entered at or after the new epoch. Effects published before
// Synchronize returns are therefore safe to reclaim: no reader can hold a
// reference to pre-publication state.
//
// There is no cooperative yielding in the core (spec.md §5); Synchronize
// busy-waits with Gosched, which is adequate because critical sections
// (a lookup) are bounded and short.
func (d *Domain) Synchronize() {
	target := d.epoch.Add(1)

	d.mu.Lock()
	readers := make([]*Reader, 0, len(d.readers))
	for r := range d.readers {
		readers = append(readers, r)
	}
	d.mu.Unlock()

	for _, r := range readers {
		for {
			a := r.active.Load()
			if a == 0 || a > target {
				break
			}
			goschedYield()
		}
	}
}

// Defer posts a closure to run after the next call to Synchronize. Post a
// closure that itself calls Defer to implement the double-postponed
// destructor discipline spec.md §4.7 and §9 describe for rule
// reclamation (the visibility field may still be inspected by readers
// holding a transient reference through the first quiescence round).
func (d *Domain) Defer(fn func()) {
	d.mu.Lock()
	d.pending = append(d.pending, fn)
	d.mu.Unlock()
}

// RunDeferred executes and clears every closure posted via Defer since
// the last call. Call after Synchronize so posted closures only run once
// it is safe to do so.
func (d *Domain) RunDeferred() {
	d.mu.Lock()
	fns := d.pending
	d.pending = nil
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
