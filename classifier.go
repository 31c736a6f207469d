// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package classifier implements the core of an OpenFlow-style software
// switch flow classifier: a priority-ordered set of masked-match rules
// supporting concurrent lookups from many readers against a single
// writer, versioned rule visibility, and deferred bulk publication.
//
// The classifier consumes a handful of capabilities — a packet/flow
// representation, a field-metadata table, a concurrent hash map, and a
// priority vector — that spec.md treats as abstract collaborators and
// this module implements concretely in the flow, flowfield, and
// internal/ packages.
package classifier

import (
	"iter"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/flowclassifier/flow"
	"github.com/gaissmai/flowclassifier/flowfield"
	"github.com/gaissmai/flowclassifier/internal/pvector"
	"github.com/gaissmai/flowclassifier/internal/rcu"
	"github.com/gaissmai/flowclassifier/internal/trie"
)

// FieldRange is one stage's additional fields in a segment plan: stage i
// consults the union of fields[0..i] (see segment.go's cumulative
// rebuild).
type FieldRange = []flowfield.Field

// Classifier is the top-level container: the set of subtables keyed by
// mask, the priority-ordered subtable vector, the metadata partition
// index, the configured prefix tries, and the rule count (spec.md §3,
// §4.1).
type Classifier struct {
	mu sync.Mutex // serializes the single writer's structural mutations

	plan      segmentPlan
	subtables map[flow.Flow]*subtable
	vector    pvector.Vector[*subtable]
	deferred  bool

	partitionStaging map[uint64]Tag
	partitionLive    atomic.Pointer[map[uint64]Tag]

	prefixFields atomic.Pointer[[]flowfield.Field]
	tries        atomic.Pointer[map[flowfield.Field]*trie.Trie]

	ruleCount        atomic.Int32
	conjunctionCount atomic.Int32
	currentVersion   atomic.Uint64

	dom     *rcu.Domain
	readers sync.Pool
}

// New builds an empty, readable Classifier configured with the given
// staged-lookup segments (spec.md §4.1's initialize). Pass nil for the
// default in_port+metadata|L2|L3/L4 split (flowfield.DefaultSegments).
func New(segments []FieldRange) (*Classifier, error) {
	var plan segmentPlan
	var err error
	if segments == nil {
		plan = defaultSegmentPlan()
	} else {
		plan, err = newSegmentPlan(segments)
		if err != nil {
			return nil, err
		}
	}

	c := &Classifier{
		plan:             plan,
		subtables:        make(map[flow.Flow]*subtable),
		partitionStaging: make(map[uint64]Tag),
		dom:              &rcu.Domain{},
	}
	c.readers.New = func() any { return c.dom.NewReader() }

	emptyPartition := make(map[uint64]Tag)
	c.partitionLive.Store(&emptyPartition)

	emptyFields := []flowfield.Field{}
	c.prefixFields.Store(&emptyFields)

	emptyTries := make(map[flowfield.Field]*trie.Trie)
	c.tries.Store(&emptyTries)

	return c, nil
}

// SetPrefixFields reconfigures which fields carry a prefix trie,
// rebuilding every trie and every live subtable's prefix requirement
// from scratch so the switch is atomic from a reader's perspective
// (spec.md §4.1). Returns true iff the configured set changed. The
// caller must exclude concurrent Insert/Remove/Replace while this runs.
func (c *Classifier) SetPrefixFields(fields ...flowfield.Field) (bool, error) {
	if len(fields) > MaxPrefixFields {
		return false, ErrLimit
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := *c.prefixFields.Load()
	if sameFieldSet(old, fields) {
		return false, nil
	}

	newTries := make(map[flowfield.Field]*trie.Trie, len(fields))
	for _, f := range fields {
		newTries[f] = &trie.Trie{}
	}

	// re-insert every currently visible rule's prefix contribution
	for _, st := range c.subtables {
		for _, r := range st.allRules() {
			for field, tr := range newTries {
				if n, ok := r.Match.PrefixLen(field); ok && n > 0 {
					tr.Insert(fieldValueArray(r.Match.Value, field), n)
				}
			}
		}
		st.setPrefixFields(fields)
	}

	newFields := append([]flowfield.Field(nil), fields...)
	c.prefixFields.Store(&newFields)
	c.tries.Store(&newTries)

	return true, nil
}

func sameFieldSet(a, b []flowfield.Field) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[flowfield.Field]bool, len(a))
	for _, f := range a {
		seen[f] = true
	}
	for _, f := range b {
		if !seen[f] {
			return false
		}
	}
	return true
}

func fieldValueArray(v flow.Flow, field flowfield.Field) [16]byte {
	switch field {
	case flowfield.IPSrc:
		return v.IPSrc
	case flowfield.IPDst:
		return v.IPDst
	default:
		return [16]byte{}
	}
}

// Insert attaches r to c at version, failing with ErrDuplicate if a
// visible rule with identical (mask, value, priority) already exists
// (spec.md §4.1, §7).
func (c *Classifier) Insert(r *Rule, version Version, conj []ConjunctionClause) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(r, version, conj)
}

func (c *Classifier) insertLocked(r *Rule, version Version, conj []ConjunctionClause) error {
	c.bumpVersion(version)

	mask := r.Match.Mask
	mv := flow.And(r.Match.Value, mask)

	st, existed := c.subtables[mask]
	if existed {
		if dup := st.findDuplicate(mv, r.Priority, version); dup {
			return ErrDuplicate
		}
	} else {
		st = newSubtable(mask, c.plan, *c.prefixFields.Load(), c.dom)
		c.subtables[mask] = st
	}

	r.addedIn.Store(uint64(version))
	r.removedIn.Store(uint64(VersionNever))
	if len(conj) > 0 {
		r.SetConjunctions(conj)
	}

	head := st.findOrInsertHead(mv)
	head.publish(head.insert(r))
	st.addToRuleList(r)

	st.ruleCount.Add(1)
	st.recomputeMaxPriorityOnInsert(r.Priority)
	c.ruleCount.Add(1)
	if len(conj) > 0 {
		c.conjunctionCount.Add(1)
	}

	c.insertTriePrefixes(r)
	c.touchPartitionLocked(mv.Metadata, st.touchTag(mv.Metadata))

	c.vector.Upsert(st, int64(st.maxPriority.Load()), subtableEqual)

	if !c.deferred {
		c.publishLocked()
	}
	return nil
}

func subtableEqual(a, b *subtable) bool { return a == b }

func (c *Classifier) bumpVersion(v Version) {
	for {
		cur := c.currentVersion.Load()
		if uint64(v) <= cur {
			return
		}
		if c.currentVersion.CompareAndSwap(cur, uint64(v)) {
			return
		}
	}
}

func (c *Classifier) insertTriePrefixes(r *Rule) {
	tries := *c.tries.Load()
	for field, tr := range tries {
		if n, ok := r.Match.PrefixLen(field); ok && n > 0 {
			tr.Insert(fieldValueArray(r.Match.Value, field), n)
		}
	}
}

func (c *Classifier) removeTriePrefixes(r *Rule) {
	tries := *c.tries.Load()
	for field, tr := range tries {
		if n, ok := r.Match.PrefixLen(field); ok && n > 0 {
			tr.Remove(fieldValueArray(r.Match.Value, field), n)
		}
	}
}

// touchPartitionLocked folds a rule's own per-value tag into the
// partition's staging map for metadata value m. A rule whose subtable's
// metadata mask is not a full exact match contributes TagUniversal,
// which every lookup already includes unconditionally (see tag.go), so
// it needs no per-value bookkeeping here. Bits accumulated here are
// never retracted on Remove; this only costs pruning precision, never
// correctness.
func (c *Classifier) touchPartitionLocked(m uint64, tag Tag) {
	if tag == TagUniversal {
		return
	}
	c.partitionStaging[m] |= tag
}

// Replace behaves like Insert, but if a rule with identical (mask,
// value, priority) already exists at any visible version, it is removed
// immediately and returned. Per spec.md §9's open question, Replace is
// only well-defined when all readers observe a single current version;
// mixing it with multi-version lookups is undefined.
func (c *Classifier) Replace(r *Rule, version Version, conj []ConjunctionClause) (*Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mask := r.Match.Mask
	mv := flow.And(r.Match.Value, mask)

	var old *Rule
	if st, ok := c.subtables[mask]; ok {
		if head, ok2 := st.lookupHead(mv); ok2 {
			for _, o := range head.snapshot() {
				// "already exists at any visible version": an active rule
				// not yet scheduled for removal, regardless of which
				// version made it visible.
				if o.Priority == r.Priority && o.RemovedIn() == VersionNever {
					old = o
					break
				}
			}
		}
	}

	if old != nil {
		c.unlinkLocked(old)
	}

	if err := c.insertLocked(r, version, conj); err != nil {
		return old, err
	}
	return old, nil
}

// Remove detaches r. A rule never yet visible is torn down immediately
// (still RCU-postponed for its destructor); an already-visible rule has
// removed_in stamped at the classifier's current version and is
// double-postponed, since a reader may hold a transient reference from
// a lookup begun before the stamp (spec.md §4.1, §4.7, §9).
func (c *Classifier) Remove(r *Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := Version(c.currentVersion.Load())
	neverVisible := r.AddedIn() > v

	r.MakeInvisibleIn(v)
	c.unlinkLocked(r)

	if neverVisible {
		c.dom.Defer(func() { r.reclaimed.Store(true) })
		return
	}
	c.dom.Defer(func() {
		c.dom.Defer(func() { r.reclaimed.Store(true) })
	})
}

func (c *Classifier) unlinkLocked(r *Rule) {
	mask := r.Match.Mask
	st, ok := c.subtables[mask]
	if !ok {
		return
	}
	mv := flow.And(r.Match.Value, mask)
	head, ok := st.lookupHead(mv)
	if !ok {
		return
	}

	head.publish(head.remove(r))
	st.removeFromRuleList(r)
	st.ruleCount.Add(-1)
	c.ruleCount.Add(-1)
	if len(r.Conjunctions()) > 0 {
		c.conjunctionCount.Add(-1)
	}

	c.removeTriePrefixes(r)
	st.removeHeadIfEmpty(mv, head)

	if st.isEmpty() {
		delete(c.subtables, mask)
		c.vector.Remove(st, subtableEqual)
	} else {
		st.recomputeMaxPriorityOnRemove()
		c.vector.Upsert(st, int64(st.maxPriority.Load()), subtableEqual)
	}

	if !c.deferred {
		c.publishLocked()
	}
}

// Defer suspends re-sorting the subtable vector and publishing new
// staged indices on every mutation; Publish performs both in one pass
// (spec.md §4.7, §5's "resource lifecycle").
func (c *Classifier) Defer() {
	c.mu.Lock()
	c.deferred = true
	c.mu.Unlock()
}

// Publish re-sorts the subtable vector, republishes the partition
// snapshot, and runs the quiescence round that unblocks any reclamation
// closures posted since the last Publish. Resumes immediate
// per-mutation publication.
func (c *Classifier) Publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishLocked()
	c.deferred = false
}

func (c *Classifier) publishLocked() {
	c.vector.Publish()

	snap := make(map[uint64]Tag, len(c.partitionStaging))
	for k, v := range c.partitionStaging {
		snap[k] = v
	}
	c.partitionLive.Store(&snap)

	c.dom.Synchronize()
	c.dom.RunDeferred()
}

// Count returns the number of rules currently installed.
func (c *Classifier) Count() int { return int(c.ruleCount.Load()) }

// SubtableCount returns the number of distinct masks currently tracked.
func (c *Classifier) SubtableCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subtables)
}

// IsEmpty reports whether c holds no rules.
func (c *Classifier) IsEmpty() bool { return c.Count() == 0 }

// MinRulePriority returns the lowest priority among all currently
// installed rules, or math.MaxInt32 if c holds none — a convenience a
// caller allocating new rule priorities from the bottom up needs (spec.md
// §6's catch-all/priority-allocation bullet, SPEC_FULL.md §8).
func (c *Classifier) MinRulePriority() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	min := int32(math.MaxInt32)
	for _, st := range c.subtables {
		for _, r := range st.allRules() {
			if r.Priority < min {
				min = r.Priority
			}
		}
	}
	return min
}

// FindExactly returns the rule with the given match and priority
// visible at version, or nil.
func (c *Classifier) FindExactly(match flow.Minimatch, priority int32, version Version) *Rule {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.subtables[match.Mask]
	if !ok {
		return nil
	}
	mv := flow.And(match.Value, match.Mask)
	head, ok := st.lookupHead(mv)
	if !ok {
		return nil
	}
	for _, r := range head.snapshot() {
		if r.Priority == priority && r.VisibleAt(version) {
			return r
		}
	}
	return nil
}

// Overlaps reports whether any rule in c could match the same packet as
// any rule in other, considering every pair without regard to priority
// (a coarse structural check, not a lookup).
func (c *Classifier) Overlaps(other *Classifier) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	for _, st := range c.subtables {
		for _, r := range st.allRules() {
			for _, ost := range other.subtables {
				for _, or := range ost.allRules() {
					if rulesOverlap(r, or) {
						return true
					}
				}
			}
		}
	}
	return false
}

// rulesOverlap reports whether some packet could match both a and b:
// every bit pinned by both masks must agree in value.
func rulesOverlap(a, b *Rule) bool {
	shared := flow.And(a.Match.Mask, b.Match.Mask)
	return flow.And(a.Match.Value, shared) == flow.And(b.Match.Value, shared)
}

// partitionTagsFor returns the partition's tag bitmap for metadata value
// m, always including TagUniversal so subtables that don't constrain
// metadata are never pruned (spec.md §4.4).
func (c *Classifier) partitionTagsFor(m uint64) Tag {
	live := *c.partitionLive.Load()
	return live[m] | TagUniversal
}

// Lookup returns the highest-priority rule visible at version matching
// f, together with the accumulated wildcard mask (spec.md §4.6).
func (c *Classifier) Lookup(version Version, f flow.Flow) (*Rule, flow.Wildcards) {
	rd := c.readers.Get().(*rcu.Reader)
	c.dom.Enter(rd)
	defer func() {
		rd.Exit()
		c.readers.Put(rd)
	}()

	var wildcards flow.Flow

	fields := *c.prefixFields.Load()
	tries := *c.tries.Load()
	probes := make(map[flowfield.Field]trieProbe, len(fields))
	for _, field := range fields {
		tr, ok := tries[field]
		if !ok {
			continue
		}
		val := fieldValueArray(f, field)
		res := tr.Lookup(val, trie.MaxBits)
		probes[field] = trieProbe{
			matchedLen:  res.MatchedLen,
			reachedBits: res.ReachedBits,
			ok:          res.MatchedLen >= 0,
		}
	}

	partitionTags := c.partitionTagsFor(f.Metadata)
	hasConj := c.conjunctionCount.Load() > 0

	var bestPlain *Rule
	bestPriority := int32(math.MinInt32)
	states := make(map[conjunctionKey]*conjunctionState)

	for _, e := range c.vector.Snapshot() {
		st := e.Value

		if !hasConj && int32(e.Priority) <= bestPriority {
			break
		}
		if st.tagIsExact && st.currentTag()&partitionTags == 0 {
			continue
		}

		res := st.lookup(f, version, probes)
		wildcards = flow.Or(wildcards, res.wildcards)

		for _, co := range res.clauses {
			key := conjunctionKey{id: co.clause.ID, priority: co.rule.Priority}
			s := states[key]
			if s == nil {
				s = &conjunctionState{}
				states[key] = s
			}
			s.observe(co.clause, co.rule)
		}

		if res.plain != nil && res.plain.Priority > bestPriority {
			bestPlain = res.plain
			bestPriority = res.plain.Priority
		}
	}

	winner := bestPlain
	winnerPriority := bestPriority
	for key, s := range states {
		if !s.fired() {
			continue
		}
		if key.priority > winnerPriority {
			winner = s.rep
			winnerPriority = key.priority
		}
	}

	if winner != nil {
		wildcards = flow.Or(wildcards, winner.Match.Mask)
	}

	return winner, wildcards
}

// All returns an idiomatic range-over-func iterator over every rule
// visible at version, in no particular order — the Go-native counterpart
// to NewCursor (spec.md §4.8, §8 supplemental features).
func (c *Classifier) All(version Version) iter.Seq[*Rule] {
	return func(yield func(*Rule) bool) {
		c.mu.Lock()
		subtables := make([]*subtable, 0, len(c.subtables))
		for _, st := range c.subtables {
			subtables = append(subtables, st)
		}
		c.mu.Unlock()

		for _, st := range subtables {
			for _, r := range st.allRules() {
				if !r.VisibleAt(version) {
					continue
				}
				if !yield(r) {
					return
				}
			}
		}
	}
}
