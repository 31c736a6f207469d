// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package flow

import (
	"hash/maphash"

	"github.com/gaissmai/flowclassifier/flowfield"
)

// Minimatch is a compressed (value, mask) pair, the out-of-scope
// "minimatch"/"miniflow" collaborator of spec.md §6 made concrete. Only
// the bits selected by Mask are significant in Value.
type Minimatch struct {
	Value Flow
	Mask  Flow
}

// Masked canonicalizes Value so bits outside Mask are zero, mirroring the
// canonicalization bart.Table.Insert performs on netip.Prefix before use
// as a map key.
func (m Minimatch) Masked() Minimatch {
	return Minimatch{Value: And(m.Value, m.Mask), Mask: m.Mask}
}

// Matches reports whether f agrees with m on every bit m.Mask selects.
func (m Minimatch) Matches(f Flow) bool {
	return And(f, m.Mask) == m.Value
}

// Equal reports whether two minimatches select the same bits with the
// same required values — used for subtable-mask identity and for
// duplicate-rule detection (spec.md §7).
func (m Minimatch) Equal(o Minimatch) bool {
	return m.Mask == o.Mask && m.Value == o.Value
}

//nolint:gochecknoglobals
var hashSeed = maphash.MakeSeed()

// Hash computes a 32-bit hash of the masked value restricted to the
// fields in segment, the operation a staged index's hash map probes with
// (spec.md §4.2, §4.6). Fields absent from segment, or fully wildcarded
// by Mask, do not contribute — this is how a staged lookup examines only
// a prefix of the mask's significant fields.
func (m Minimatch) Hash(segment []flowfield.Field) uint32 {
	masked := And(m.Value, m.Mask)

	var h maphash.Hash
	h.SetSeed(hashSeed)

	for _, f := range segment {
		if FieldIsWildcarded(m.Mask, f) {
			continue
		}
		writeField(&h, masked, f)
	}

	return uint32(h.Sum64())
}

// HashFlow is Hash's counterpart for a probe flow at lookup time: it
// hashes f masked by m.Mask restricted to segment, so a lookup and the
// rules that populated the index compute the identical key.
func HashFlow(f Flow, mask Flow, segment []flowfield.Field) uint32 {
	masked := And(f, mask)

	var h maphash.Hash
	h.SetSeed(hashSeed)

	for _, fld := range segment {
		if FieldIsWildcarded(mask, fld) {
			continue
		}
		writeField(&h, masked, fld)
	}

	return uint32(h.Sum64())
}

func writeField(h *maphash.Hash, f Flow, field flowfield.Field) {
	switch field {
	case flowfield.InPort:
		writeUint32(h, f.InPort)
	case flowfield.EthSrc:
		h.Write(f.EthSrc[:])
	case flowfield.EthDst:
		h.Write(f.EthDst[:])
	case flowfield.VLANTCI:
		writeUint16(h, f.VLANTCI)
	case flowfield.EthType:
		writeUint16(h, f.EthType)
	case flowfield.IPSrc:
		h.Write(f.IPSrc[:])
	case flowfield.IPDst:
		h.Write(f.IPDst[:])
	case flowfield.IPProto:
		h.WriteByte(f.IPProto)
	case flowfield.TPSrc:
		writeUint16(h, f.TPSrc)
	case flowfield.TPDst:
		writeUint16(h, f.TPDst)
	case flowfield.Metadata:
		writeUint64(h, f.Metadata)
	case flowfield.CtMark:
		writeUint32(h, f.CtMark)
	}
}

func writeUint16(h *maphash.Hash, v uint16) {
	h.Write([]byte{byte(v), byte(v >> 8)})
}

func writeUint32(h *maphash.Hash, v uint32) {
	h.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func writeUint64(h *maphash.Hash, v uint64) {
	h.Write([]byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	})
}

// PrefixLen returns the number of leading one-bits masking field selects,
// and whether mask is a well-formed left-aligned prefix mask for that
// field (the precondition the prefix trie relies on). Only IPSrc/IPDst
// are trie-capable (flowfield.Table), matching real OVS behavior of
// offering prefix tries solely for IP address fields.
func (m Minimatch) PrefixLen(field flowfield.Field) (bits int, ok bool) {
	var b []byte
	switch field {
	case flowfield.IPSrc:
		b = m.Mask.IPSrc[:]
	case flowfield.IPDst:
		b = m.Mask.IPDst[:]
	default:
		return 0, false
	}

	// a well-formed prefix mask is a run of 0xff bytes, at most one partial
	// left-aligned byte (0, 0x80, 0xc0, ...), then all-zero bytes.
	count := 0
	partial := false

	for _, by := range b {
		switch {
		case partial:
			if by != 0 {
				return 0, false
			}
		case by == 0xff:
			count += 8
		default:
			partial = true
			k, ok := leftAlignedOnes(by)
			if !ok {
				return 0, false
			}
			count += k
		}
	}

	return count, true
}

// leftAlignedOnes reports k and true if by equals a left-aligned run of k
// one-bits (0x00, 0x80, 0xc0, 0xe0, ..., 0xff), false otherwise.
func leftAlignedOnes(by byte) (int, bool) {
	for k := 0; k <= 8; k++ {
		if by == byte((uint16(0xff00)>>uint(k))&0xff) {
			return k, true
		}
	}
	return 0, false
}

// FieldValueBytes returns the masked field value as a big-endian byte
// slice, used by the prefix trie to descend bit by bit.
func FieldValueBytes(v Flow, field flowfield.Field) []byte {
	switch field {
	case flowfield.IPSrc:
		return v.IPSrc[:]
	case flowfield.IPDst:
		return v.IPDst[:]
	default:
		return nil
	}
}
