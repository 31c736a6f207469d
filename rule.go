// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gaissmai/flowclassifier/flow"
)

//nolint:gochecknoglobals
var ruleSeq atomic.Uint64

// Rule is one entry of a classifier: a priority, a (value, mask) match,
// an opaque action payload, and a visibility window expressed as two
// Version stamps (spec.md §3, §4.7). A *Rule's pointer identity is what
// Insert/Remove/Replace operate on; ID is a stable handle a controller
// can log or hand back across a restart, independent of the pointer.
type Rule struct {
	ID       uuid.UUID
	Priority int32
	Match    flow.Minimatch
	Action   any

	// seq is r's creation order relative to every other Rule ever built
	// by NewRule, independent of which version r becomes visible at or
	// which subtable it lands in. A conjunction's representative clause
	// (spec.md §4.5) is picked by this, not by the order Lookup happens
	// to traverse subtables in.
	seq uint64

	conjunctions []ConjunctionClause

	addedIn   atomic.Uint64
	removedIn atomic.Uint64
	reclaimed atomic.Bool
}

// Reclaimed reports whether the classifier's double-postponed destructor
// discipline has run for r following a Remove (spec.md §4.7, §9). Tests
// use this to observe the quiescence-gated teardown; ordinary callers
// have no need to check it.
func (r *Rule) Reclaimed() bool { return r.reclaimed.Load() }

// NewRule builds a Rule visible from addedIn onward, with no removal
// scheduled.
func NewRule(priority int32, match flow.Minimatch, action any, addedIn Version) *Rule {
	r := &Rule{ID: uuid.New(), Priority: priority, Match: match.Masked(), Action: action, seq: ruleSeq.Add(1)}
	r.addedIn.Store(uint64(addedIn))
	r.removedIn.Store(uint64(VersionNever))
	return r
}

// Clone returns a new *Rule with the same priority, match, action and
// conjunction clauses, visible from addedIn with no removal scheduled.
// The original is left unchanged.
func (r *Rule) Clone(addedIn Version) *Rule {
	out := NewRule(r.Priority, r.Match, r.Action, addedIn)
	if len(r.conjunctions) > 0 {
		out.conjunctions = append([]ConjunctionClause(nil), r.conjunctions...)
	}
	return out
}

// SetConjunctions marks r as the set of clauses of one or more
// conjunctive matches (spec.md §4.5). Passing nil clears conjunction
// membership, making r a plain rule again.
func (r *Rule) SetConjunctions(clauses []ConjunctionClause) {
	if len(clauses) == 0 {
		r.conjunctions = nil
		return
	}
	r.conjunctions = append([]ConjunctionClause(nil), clauses...)
}

// Conjunctions returns r's conjunction clauses, or nil if r is a plain
// rule.
func (r *Rule) Conjunctions() []ConjunctionClause {
	return r.conjunctions
}

// Equal reports whether r and o have the same priority and match,
// ignoring action, conjunctions and visibility — the identity test
// Insert uses to detect a duplicate (spec.md §7).
func (r *Rule) Equal(o *Rule) bool {
	return r.Priority == o.Priority && r.Match.Equal(o.Match)
}

// IsCatchAll reports whether r's mask wildcards every field, so it
// matches any flow (spec.md §4.4's subtable special case).
func (r *Rule) IsCatchAll() bool {
	return flow.IsZero(r.Match.Mask)
}

// IsLooserThan reports whether r's mask pins a strict subset of the bits
// o's mask pins — r could in principle match every flow o matches, so a
// subtable holding rules like r cannot be skipped when iterating rules
// that might overlap o (spec.md §4.8).
func (r *Rule) IsLooserThan(o *Rule) bool {
	return flow.MaskSubsetOf(r.Match.Mask, o.Match.Mask) && r.Match.Mask != o.Match.Mask
}

// VisibleAt reports whether r is visible to a lookup performed at v:
// addedIn <= v < removedIn.
func (r *Rule) VisibleAt(v Version) bool {
	a := Version(r.addedIn.Load())
	d := Version(r.removedIn.Load())
	return a <= v && v < d
}

// AddedIn returns the version at which r became visible.
func (r *Rule) AddedIn() Version { return Version(r.addedIn.Load()) }

// RemovedIn returns the version at which r stops being visible, or
// VersionNever.
func (r *Rule) RemovedIn() Version { return Version(r.removedIn.Load()) }

// MakeInvisibleIn stamps r as removed as of v. A reader already mid
// lookup against an older version is unaffected; it is the reader's
// Version snapshot, not the mutation, that determines visibility
// (spec.md §4.7).
func (r *Rule) MakeInvisibleIn(v Version) {
	r.removedIn.Store(uint64(v))
}

// RestoreVisibility undoes a pending MakeInvisibleIn, used when Remove
// is retracted before its scheduled version is ever published (spec.md
// §7's "deferred remove can be cancelled").
func (r *Rule) RestoreVisibility() {
	r.removedIn.Store(uint64(VersionNever))
}
