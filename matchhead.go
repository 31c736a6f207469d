// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"sort"
	"sync/atomic"

	"github.com/gaissmai/flowclassifier/flow"
)

// matchHead is every rule sharing one exact (value, mask) within a
// subtable, ordered by descending priority (spec.md §4.1: "a subtable
// maps each distinct masked value to the list of rules installed with
// exactly that match"). Mutations copy the backing slice and swap an
// atomic pointer, so a reader holding a snapshot never observes a
// partially updated list (spec.md §4.7).
type matchHead struct {
	value flow.Flow // the masked Value this head's rules share, disambiguates hash collisions
	rules atomic.Pointer[[]*Rule]
}

func newMatchHead(value flow.Flow) *matchHead {
	mh := &matchHead{value: value}
	empty := []*Rule{}
	mh.rules.Store(&empty)
	return mh
}

// snapshot returns the current rule list. Safe to range over without
// further synchronization; the slice is never mutated in place.
func (mh *matchHead) snapshot() []*Rule {
	return *mh.rules.Load()
}

// insert returns a copy of mh's list with r added, sorted by descending
// priority (stable, so equal-priority rules keep arrival order).
func (mh *matchHead) insert(r *Rule) []*Rule {
	old := mh.snapshot()
	next := make([]*Rule, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, r)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Priority > next[j].Priority
	})
	return next
}

// remove returns a copy of mh's list with r excluded.
func (mh *matchHead) remove(r *Rule) []*Rule {
	old := mh.snapshot()
	next := make([]*Rule, 0, len(old))
	for _, o := range old {
		if o != r {
			next = append(next, o)
		}
	}
	return next
}

// publish installs next as mh's visible list.
func (mh *matchHead) publish(next []*Rule) {
	mh.rules.Store(&next)
}

// isEmpty reports whether mh currently holds no rules. Callers must hold
// whatever lock guards subtable structural mutation before trusting this
// for a delete-the-subtable decision.
func (mh *matchHead) isEmpty() bool {
	return len(mh.snapshot()) == 0
}

// visibleWalk returns every rule in mh visible at v, still in
// descending-priority order.
func (mh *matchHead) visibleWalk(v Version) []*Rule {
	all := mh.snapshot()
	out := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.VisibleAt(v) {
			out = append(out, r)
		}
	}
	return out
}
