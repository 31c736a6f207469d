// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"sync/atomic"

	"github.com/gaissmai/flowclassifier/flow"
	"github.com/gaissmai/flowclassifier/flowfield"
	"github.com/gaissmai/flowclassifier/internal/cmap"
	"github.com/gaissmai/flowclassifier/internal/rcu"
)

// subtable groups every rule sharing one exact mask (spec.md §4.1). Its
// staged hash maps let a lookup rule it out after consulting only a
// prefix of the mask's significant fields, and its tag marks which
// metadata-derived partitions it could possibly contribute to.
type subtable struct {
	mask flow.Flow
	plan segmentPlan

	// presence[i] answers "does any rule in this subtable share the
	// cumulative stage-i hash of the probe" for i in [0, stages-2]; the
	// last stage is heads itself.
	presence []*cmap.Map[struct{}]
	heads    *cmap.Map[*matchHead]

	ruleCount   atomic.Int32
	maxPriority atomic.Int32

	// tagBits is the OR-accumulated set of per-value partition tags
	// (ComputeTag(value)) of every distinct metadata value this
	// subtable's rules actually hold, built up one touchTag call per
	// insert rather than derived from the mask (see tag.go, DESIGN.md
	// "Partition tags are a may-overlap, not exact, predicate"). Exposed through Tag accessors since
	// readers consult it without holding the writer's lock.
	tagBits    atomic.Uint64
	tagIsExact bool

	// prefixReq is the prefix length this subtable's mask requires on
	// each configured trie-capable field, present only for fields where
	// the mask is a clean left-aligned prefix (flow.Minimatch.PrefixLen).
	// Published through an atomic pointer since SetPrefixFields rebuilds
	// it for every live subtable while lookups may be in flight.
	prefixReq atomic.Pointer[map[flowfield.Field]int]

	// ruleList is every rule currently in the subtable, insertion-ordered,
	// for iteration (spec.md §3's "rules list"). cmap intentionally has no
	// bulk-enumeration primitive, so iteration walks this instead.
	ruleList atomic.Pointer[[]*Rule]
}

func newSubtable(mask flow.Flow, plan segmentPlan, prefixFields []flowfield.Field, dom *rcu.Domain) *subtable {
	st := &subtable{
		mask:  mask,
		plan:  plan,
		heads: cmap.New[*matchHead](dom),
	}
	for i := 0; i < plan.stages()-1; i++ {
		st.presence = append(st.presence, cmap.New[struct{}](dom))
	}
	st.setPrefixFields(prefixFields)
	empty := []*Rule{}
	st.ruleList.Store(&empty)
	st.maxPriority.Store(-1)
	st.tagIsExact = metadataIsExact(mask)
	return st
}

// setPrefixFields recomputes and republishes st's prefix requirements for
// a new configured field set (Classifier.SetPrefixFields).
func (st *subtable) setPrefixFields(fields []flowfield.Field) {
	req := make(map[flowfield.Field]int)
	for _, f := range fields {
		m := flow.Minimatch{Mask: st.mask}
		if n, ok := m.PrefixLen(f); ok && n > 0 {
			req[f] = n
		}
	}
	st.prefixReq.Store(&req)
}

// tags returns the set of partition tags a rule in this subtable could
// be filed under: its own accumulated per-value tag set when the
// metadata mask is a full match, or TagUniversal otherwise (see tag.go).
func (st *subtable) tags() []Tag {
	if st.tagIsExact {
		return []Tag{st.currentTag()}
	}
	return []Tag{TagUniversal}
}

// currentTag returns st's accumulated tag bits as of the most recent
// touchTag call.
func (st *subtable) currentTag() Tag {
	return Tag(st.tagBits.Load())
}

// touchTag registers value as one of st's rule metadata values, folding
// its per-value tag (see tag.go's ComputeTag) into st's accumulated tag
// set, and returns that per-value tag. A subtable whose mask doesn't
// pin metadata exactly can't compute a meaningful per-value tag and
// always returns TagUniversal without touching tagBits (see tag.go's
// TagUniversal doc comment).
func (st *subtable) touchTag(value uint64) Tag {
	if !st.tagIsExact {
		return TagUniversal
	}
	t := ComputeTag(value)
	for {
		cur := st.tagBits.Load()
		next := cur | uint64(t)
		if next == cur {
			return t
		}
		if st.tagBits.CompareAndSwap(cur, next) {
			return t
		}
	}
}

// findOrInsertHead returns the matchHead for masked value mv, creating
// and publishing an empty one if absent. Writer-only: callers serialize
// structural mutation of a classifier's subtable set.
func (st *subtable) findOrInsertHead(mv flow.Flow) *matchHead {
	segs := st.plan.fieldsThrough(st.plan.stages() - 1)
	h := flow.HashFlow(mv, st.mask, segs)

	if head, ok := st.heads.Lookup(h, func(mh *matchHead) bool { return mh.value == mv }); ok {
		return head
	}

	head := newMatchHead(mv)
	st.heads.Insert(h, head)

	for i, pm := range st.presence {
		ph := flow.HashFlow(mv, st.mask, st.plan.fieldsThrough(i))
		pm.Insert(ph, struct{}{})
	}

	return head
}

// lookupHead returns the matchHead for masked value mv without creating
// one if absent.
func (st *subtable) lookupHead(mv flow.Flow) (*matchHead, bool) {
	segs := st.plan.fieldsThrough(st.plan.stages() - 1)
	h := flow.HashFlow(mv, st.mask, segs)
	return st.heads.Lookup(h, func(mh *matchHead) bool { return mh.value == mv })
}

// findDuplicate reports whether a rule visible at version already
// occupies priority p under masked value mv (spec.md §7).
func (st *subtable) findDuplicate(mv flow.Flow, p int32, version Version) bool {
	head, ok := st.lookupHead(mv)
	if !ok {
		return false
	}
	for _, r := range head.snapshot() {
		if r.Priority == p && r.VisibleAt(version) {
			return true
		}
	}
	return false
}

// addToRuleList appends r to st's insertion-ordered rule list (COW).
func (st *subtable) addToRuleList(r *Rule) {
	old := *st.ruleList.Load()
	next := make([]*Rule, 0, len(old)+1)
	next = append(next, old...)
	next = append(next, r)
	st.ruleList.Store(&next)
}

// removeFromRuleList removes r from st's insertion-ordered rule list
// (COW).
func (st *subtable) removeFromRuleList(r *Rule) {
	old := *st.ruleList.Load()
	next := make([]*Rule, 0, len(old))
	for _, o := range old {
		if o != r {
			next = append(next, o)
		}
	}
	st.ruleList.Store(&next)
}

// allRules returns every rule currently in st, insertion-ordered.
func (st *subtable) allRules() []*Rule {
	return *st.ruleList.Load()
}

// removeHeadIfEmpty deletes mh's entry once it holds no rules, undoing
// the bookkeeping findOrInsertHead added. It does not attempt to prune
// now-unused presence entries at earlier stages — a stale presence
// entry only costs an extra stage probe on a future lookup, it never
// causes an incorrect skip (see DESIGN.md, "presence sets are
// monotonic").
func (st *subtable) removeHeadIfEmpty(mv flow.Flow, mh *matchHead) {
	if !mh.isEmpty() {
		return
	}
	segs := st.plan.fieldsThrough(st.plan.stages() - 1)
	h := flow.HashFlow(mv, st.mask, segs)
	st.heads.Delete(h, func(cand *matchHead) bool { return cand == mh })
}

func (st *subtable) isEmpty() bool {
	return st.ruleCount.Load() == 0
}

func (st *subtable) recomputeMaxPriorityOnInsert(p int32) {
	for {
		cur := st.maxPriority.Load()
		if p <= cur {
			return
		}
		if st.maxPriority.CompareAndSwap(cur, p) {
			return
		}
	}
}

// recomputeMaxPriorityOnRemove rescans st's rule list for the new
// maximum priority. Removal can retire the very rule that held the
// cached max, which recomputeMaxPriorityOnInsert's raise-only CAS can
// never discover on its own; this is the matching downward half, called
// once a rule has been unlinked from st.
func (st *subtable) recomputeMaxPriorityOnRemove() {
	max := int32(-1)
	for _, r := range st.allRules() {
		if r.Priority > max {
			max = r.Priority
		}
	}
	st.maxPriority.Store(max)
}

// trieProbe is the per-lookup, per-field result of consulting the
// classifier's shared prefix tries, threaded through subtable lookups so
// each trie is only walked once per Classifier.Lookup call regardless of
// how many subtables reference it.
type trieProbe struct {
	matchedLen  int
	reachedBits int
	ok          bool
}

// clauseObservation pairs a rule visible in this lookup with the
// conjunction clause it declares, so Classifier.Lookup can accumulate
// observations across every surviving subtable (spec.md §4.5).
type clauseObservation struct {
	clause ConjunctionClause
	rule   *Rule
}

// lookupResult is what one subtable's lookup contributes to a
// Classifier.Lookup call.
type lookupResult struct {
	plain     *Rule
	clauses   []clauseObservation
	wildcards flow.Flow
}

// lookup probes st for f at version v. probes supplies this lookup's
// memoized trie results, keyed by field.
func (st *subtable) lookup(f flow.Flow, v Version, probes map[flowfield.Field]trieProbe) lookupResult {
	var out lookupResult

	for field, req := range *st.prefixReq.Load() {
		pr, ok := probes[field]
		if !ok {
			// this lookup holds no probe for the field (SetPrefixFields
			// updates subtables before swapping in the new tries): fall
			// through to the hash stages instead of skipping the subtable
			continue
		}
		if !pr.ok || pr.matchedLen < req {
			// un-wildcard the bits that agreed with the trie plus the first
			// bit compared after them, capped at this subtable's length
			reached := req
			if pr.reachedBits+1 < reached {
				reached = pr.reachedBits + 1
			}
			out.wildcards = flow.Or(out.wildcards, flow.FieldPrefixMask(field, reached))
			return out
		}
	}

	for i, pm := range st.presence {
		segs := st.plan.fieldsThrough(i)
		h := flow.HashFlow(f, st.mask, segs)
		if _, ok := pm.Lookup(h, func(struct{}) bool { return true }); !ok {
			out.wildcards = fieldsMask(st.mask, segs)
			return out
		}
	}

	segs := st.plan.fieldsThrough(st.plan.stages() - 1)
	h := flow.HashFlow(f, st.mask, segs)
	mv := flow.And(f, st.mask)

	out.wildcards = st.mask

	head, ok := st.heads.Lookup(h, func(mh *matchHead) bool { return mh.value == mv })
	if !ok {
		return out
	}

	// walk the priority-descending chain: conjunction-clause rules are
	// recorded as observations and never stop the walk; the first plain
	// visible rule found is this subtable's candidate (spec.md §4.6 step
	// 4's "respecting conjunctions as in §4.5").
	for _, r := range head.visibleWalk(v) {
		if clauses := r.Conjunctions(); len(clauses) > 0 {
			for _, cl := range clauses {
				out.clauses = append(out.clauses, clauseObservation{clause: cl, rule: r})
			}
			continue
		}
		out.plain = r
		break
	}

	return out
}

// fieldsMask returns mask restricted to the bits belonging to the given
// fields, the wildcard contribution of a stage that ruled a subtable out
// before consulting its full mask.
func fieldsMask(mask flow.Flow, fields []flowfield.Field) flow.Flow {
	var acc flow.Flow
	for _, f := range fields {
		acc = flow.Or(acc, flow.And(mask, flow.FieldMask(f)))
	}
	return acc
}
