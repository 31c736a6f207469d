// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/flowclassifier/flow"
	"github.com/gaissmai/flowclassifier/flowfield"
)

// scenario 1: among two rules sharing a mask and value, the higher
// priority wins, and the reported wildcards are exactly the matched
// subtable's mask.
func TestLookupPriorityOrdering(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	mask := flow.Flow{EthDst: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	value := flow.Flow{EthDst: [6]byte{1, 2, 3, 4, 5, 6}}
	m := flow.Minimatch{Value: value, Mask: mask}

	a := NewRule(10, m, "A", 0)
	b := NewRule(20, m, "B", 0)
	require.NoError(t, c.Insert(a, 0, nil))
	require.NoError(t, c.Insert(b, 0, nil))

	got, wc := c.Lookup(0, value)
	require.Same(t, b, got)
	require.Equal(t, mask, wc)
}

// scenario 2: a staged plan reduces the field set probed at each stage;
// a match still reports wildcards limited to the matched rule's own
// mask, not the whole probe flow.
func TestLookupStagedWildcardReduction(t *testing.T) {
	c, err := New([]FieldRange{{flowfield.InPort}, {flowfield.IPDst}})
	require.NoError(t, err)

	mask := flow.Flow{InPort: 0xffffffff}
	value := flow.Flow{InPort: 3}
	r := NewRule(10, flow.Minimatch{Value: value, Mask: mask}, "r", 0)
	require.NoError(t, c.Insert(r, 0, nil))

	probe := flow.Flow{InPort: 3}
	copy(probe.IPDst[12:], []byte{1, 2, 3, 4})

	got, wc := c.Lookup(0, probe)
	require.Same(t, r, got)
	require.Equal(t, mask, wc, "wildcards only cover in_port, never the untouched dst_ip bits")
}

// scenario 3: a prefix-trie miss skips the subtable entirely and
// accumulates only the bits the trie actually walked, not the subtable's
// full prefix length.
func TestLookupTrieSkip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	changed, err := c.SetPrefixFields(flowfield.IPDst)
	require.NoError(t, err)
	require.True(t, changed)

	mask := flow.Flow{}
	mask.IPDst = flow.FieldPrefixMask(flowfield.IPDst, 24).IPDst
	value := flow.Flow{}
	copy(value.IPDst[:3], []byte{10, 0, 0})
	r := NewRule(10, flow.Minimatch{Value: value, Mask: mask}, "r1", 0)
	require.NoError(t, c.Insert(r, 0, nil))

	probe := flow.Flow{}
	copy(probe.IPDst[:4], []byte{192, 0, 2, 1})

	got, wc := c.Lookup(0, probe)
	require.Nil(t, got)
	require.NotEqual(t, mask.IPDst, wc.IPDst, "trie skip must not charge the full /24 to the wildcard mask")
}

// scenario 4: a lookup for a metadata value no subtable was ever touched
// with is pruned by the partition index without scanning any subtable.
func TestLookupPartitionSkip(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	mask := flow.Flow{Metadata: ^uint64(0)}
	r1 := NewRule(10, flow.Minimatch{Value: flow.Flow{Metadata: 1}, Mask: mask}, "r1", 0)
	r2 := NewRule(10, flow.Minimatch{Value: flow.Flow{Metadata: 2}, Mask: mask}, "r2", 0)
	require.NoError(t, c.Insert(r1, 0, nil))
	require.NoError(t, c.Insert(r2, 0, nil))

	got, wc := c.Lookup(0, flow.Flow{Metadata: 3})
	require.Nil(t, got)
	require.Equal(t, flow.Flow{}, wc, "a pruned lookup examines nothing")
}

// two exact-metadata subtables holding different metadata values: a
// probe for subtable A's value returns A's rule and charges none of
// subtable B's EthDst bits. The assertion holds whether B is passed
// over by priority, pruned by its metadata tag, or ruled out by its
// metadata stage, so it does not by itself show which of these
// happened.
func TestLookupPartitionDiscriminatesAcrossSubtables(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	maskA := flow.Flow{Metadata: ^uint64(0)}
	maskB := flow.Flow{Metadata: ^uint64(0), EthDst: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}

	a := NewRule(10, flow.Minimatch{Value: flow.Flow{Metadata: 1}, Mask: maskA}, "a", 0)
	b := NewRule(10, flow.Minimatch{
		Value: flow.Flow{Metadata: 2, EthDst: [6]byte{9, 9, 9, 9, 9, 9}},
		Mask:  maskB,
	}, "b", 0)
	require.NoError(t, c.Insert(a, 0, nil))
	require.NoError(t, c.Insert(b, 0, nil))

	got, wc := c.Lookup(0, flow.Flow{Metadata: 1, EthDst: [6]byte{1, 1, 1, 1, 1, 1}})
	require.Same(t, a, got)
	require.Equal(t, [6]byte{}, wc.EthDst, "subtable b's EthDst bits must not be charged to a probe for a's metadata value")
}

// scenario 5: a rule inserted at version 5 is invisible before it and
// visible from it onward.
func TestLookupVersioning(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	mask := flow.Flow{EthDst: [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	value := flow.Flow{EthDst: [6]byte{9, 9, 9, 9, 9, 9}}
	r := NewRule(5, flow.Minimatch{Value: value, Mask: mask}, "r", 5)
	require.NoError(t, c.Insert(r, 5, nil))

	got, _ := c.Lookup(4, value)
	require.Nil(t, got)

	got, _ = c.Lookup(5, value)
	require.Same(t, r, got)

	got, _ = c.Lookup(6, value)
	require.Same(t, r, got)
}

// scenario 6: a complete conjunctive match outranks a lower-priority
// plain rule, but an incomplete one never fires and the plain rule wins.
func TestLookupConjunction(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)

	srcMask := flow.Flow{IPSrc: allOnes16()}
	dstMask := flow.Flow{IPDst: allOnes16()}
	protoMask := flow.Flow{IPProto: 0xff}

	var srcVal, dstVal flow.Flow
	copy(srcVal.IPSrc[:4], []byte{1, 1, 1, 1})
	copy(dstVal.IPDst[:4], []byte{2, 2, 2, 2})
	protoVal := flow.Flow{IPProto: 6}

	clause0 := NewRule(50, flow.Minimatch{Value: srcVal, Mask: srcMask}, nil, 0)
	clause1 := NewRule(50, flow.Minimatch{Value: dstVal, Mask: dstMask}, nil, 0)
	plain := NewRule(40, flow.Minimatch{Value: protoVal, Mask: protoMask}, "X", 0)

	cl0 := []ConjunctionClause{{ID: 7, ClauseIdx: 0, NClauses: 2}}
	cl1 := []ConjunctionClause{{ID: 7, ClauseIdx: 1, NClauses: 2}}
	require.NoError(t, c.Insert(clause0, 0, cl0))
	require.NoError(t, c.Insert(clause1, 0, cl1))
	require.NoError(t, c.Insert(plain, 0, nil))

	full := flow.Flow{IPProto: 6}
	full.IPSrc = srcVal.IPSrc
	full.IPDst = dstVal.IPDst

	got, wc := c.Lookup(0, full)
	require.Same(t, clause0, got, "the winner is the conjunction's representative clause, the earliest-inserted one")
	require.EqualValues(t, 50, got.Priority)
	require.Equal(t, srcMask.IPSrc, wc.IPSrc)
	require.Equal(t, dstMask.IPDst, wc.IPDst)

	partial := flow.Flow{IPProto: 6}
	partial.IPSrc = srcVal.IPSrc

	got, _ = c.Lookup(0, partial)
	require.Same(t, plain, got, "a clause missing its partner never fires, the plain rule wins")
}

func allOnes16() [16]byte {
	var b [16]byte
	for i := range b {
		b[i] = 0xff
	}
	return b
}
