// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import "github.com/gaissmai/flowclassifier/flowfield"

// MaxSegments is the fixed limit on staged-lookup segments (spec.md §7).
const MaxSegments = 3

// MaxPrefixFields is the fixed limit on configured prefix-trie fields
// (spec.md §7).
const MaxPrefixFields = 3

// segmentPlan holds the staged-lookup field groups in cumulative form:
// segmentPlan.cumulative[i] is the union of fields[0..i], the field set
// a subtable's stage-i hash probe actually consults. Cumulative grouping
// is required for staged pruning to be sound — an empty probe at stage i
// must conclusively rule out every rule whose mask examines any field
// introduced at an earlier stage, not just stage i's own fields (see
// DESIGN.md, "staged segments are cumulative").
type segmentPlan struct {
	cumulative [][]flowfield.Field
}

// newSegmentPlan builds a segmentPlan from the caller's stage groups
// (each stage's fields in addition to earlier stages), rejecting more
// than MaxSegments stages.
func newSegmentPlan(stages [][]flowfield.Field) (segmentPlan, error) {
	if len(stages) > MaxSegments {
		return segmentPlan{}, ErrLimit
	}

	cum := make([][]flowfield.Field, len(stages))
	var running []flowfield.Field
	for i, s := range stages {
		running = append(append([]flowfield.Field(nil), running...), s...)
		cum[i] = running
	}

	// the final stage is always the full-mask hash map spec.md §4.2
	// describes ("the final stage is the full-mask hash map returning a
	// unique match-head"), regardless of how many pre-filter stages the
	// caller configured — including the degenerate zero-stage case, which
	// collapses to one unstaged final probe.
	if len(cum) == 0 {
		cum = append(cum, flowfield.All())
	} else {
		cum[len(cum)-1] = flowfield.All()
	}

	return segmentPlan{cumulative: cum}, nil
}

// defaultSegmentPlan is the classifier's out-of-the-box plan, derived
// from flowfield.DefaultSegments.
func defaultSegmentPlan() segmentPlan {
	p, err := newSegmentPlan(flowfield.DefaultSegments())
	if err != nil {
		// flowfield.DefaultSegments always returns exactly 3 stages.
		panic("classifier: default segment plan exceeds MaxSegments")
	}
	return p
}

// stages returns the number of staged hash probes a subtable using this
// plan performs.
func (p segmentPlan) stages() int { return len(p.cumulative) }

// fieldsThrough returns the cumulative field set consulted by stage i.
func (p segmentPlan) fieldsThrough(i int) []flowfield.Field {
	return p.cumulative[i]
}
