// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import "github.com/gaissmai/flowclassifier/flow"

// Cursor is a lockless iterator over a classifier's rules: (classifier,
// optional target filter, version, current position) as spec.md §4.8
// describes. It reads the subtable vector through its quiescence-
// protected snapshot, so concurrent modification may cause a rule to be
// visited or skipped, but never misses a rule present for the cursor's
// entire lifetime.
type Cursor struct {
	version   Version
	subtables []*subtable
	stIdx     int
	rules     []*Rule
	ruleIdx   int
	cur       *Rule
}

// NewCursor returns a Cursor over rules visible at version. If target is
// non-nil, only subtables whose mask is strictly looser than or equal to
// target's mask are scanned — a subtable stricter than target cannot
// hold a rule overlapping it (spec.md §4.8).
func (c *Classifier) NewCursor(target *Rule, version Version) *Cursor {
	snap := c.vector.Snapshot()
	subtables := make([]*subtable, 0, len(snap))
	for _, e := range snap {
		st := e.Value
		if target != nil && !flow.MaskSubsetOf(st.mask, target.Match.Mask) {
			continue
		}
		subtables = append(subtables, st)
	}
	return &Cursor{version: version, subtables: subtables, stIdx: -1}
}

// Advance moves the cursor to the next visible rule, returning false
// once exhausted. Rule returns the current rule after a successful
// Advance.
func (cur *Cursor) Advance() bool {
	for {
		if cur.rules == nil {
			cur.stIdx++
			if cur.stIdx >= len(cur.subtables) {
				cur.cur = nil
				return false
			}
			cur.rules = cur.subtables[cur.stIdx].allRules()
			cur.ruleIdx = -1
		}

		cur.ruleIdx++
		if cur.ruleIdx >= len(cur.rules) {
			cur.rules = nil
			continue
		}

		r := cur.rules[cur.ruleIdx]
		if !r.VisibleAt(cur.version) {
			continue
		}
		cur.cur = r
		return true
	}
}

// Rule returns the rule at the cursor's current position, or nil before
// the first Advance or after Advance returns false.
func (cur *Cursor) Rule() *Rule { return cur.cur }
