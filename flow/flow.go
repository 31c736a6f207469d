// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package flow is the concrete packet-header representation consumed by
// the classifier core. spec.md §6 treats "flow" and "minimatch" as
// external collaborators the core only depends on abstractly; this
// package is the concrete stand-in needed for the module to compile,
// modeled after a conventional OpenFlow-style flow key (in_port, L2, L3,
// L4, metadata) rather than any particular wire format.
package flow

import (
	"net/netip"

	"github.com/gaissmai/flowclassifier/flowfield"
)

// Flow is a fixed-layout packet header. The zero value is the all-zero
// flow (every field wildcarded when used as a mask).
type Flow struct {
	InPort   uint32
	EthSrc   [6]byte
	EthDst   [6]byte
	VLANTCI  uint16
	EthType  uint16
	IPSrc    [16]byte // v4 addresses stored in the low 4 bytes
	IPDst    [16]byte
	IPProto  uint8
	TPSrc    uint16
	TPDst    uint16
	Metadata uint64
	CtMark   uint32
}

// Wildcards has the same shape as Flow; a set bit means "this bit of the
// header was consulted during lookup". It is accumulated by OR across a
// lookup (spec.md §4.6).
type Wildcards = Flow

// SetIPSrc and SetIPDst accept a netip.Addr for ergonomic construction;
// IPv4 addresses are stored left-padded with zero in the 16-byte array so
// exact-match and masking logic never needs to branch on address family.
func (f *Flow) SetIPSrc(a netip.Addr) { f.IPSrc = addrBytes(a) }
func (f *Flow) SetIPDst(a netip.Addr) { f.IPDst = addrBytes(a) }

func addrBytes(a netip.Addr) [16]byte {
	if !a.IsValid() {
		return [16]byte{}
	}
	if a.Is4() {
		var b [16]byte
		v4 := a.As4()
		copy(b[12:], v4[:])
		return b
	}
	return a.As16()
}

// IPSrcAddr and IPDstAddr reconstruct a netip.Addr, assuming the stored
// bytes represent an IPv4 address when the high 12 bytes are zero.
func (f Flow) IPSrcAddr() netip.Addr { return bytesAddr(f.IPSrc) }
func (f Flow) IPDstAddr() netip.Addr { return bytesAddr(f.IPDst) }

func bytesAddr(b [16]byte) netip.Addr {
	var zero [12]byte
	if [12]byte(b[:12]) == zero {
		var v4 [4]byte
		copy(v4[:], b[12:])
		return netip.AddrFrom4(v4)
	}
	return netip.AddrFrom16(b)
}

// And returns the bitwise AND of f and mask, field by field — the
// "masked value" used to compute a subtable's match-head key.
func And(f, mask Flow) Flow {
	var out Flow
	out.InPort = f.InPort & mask.InPort
	for i := range out.EthSrc {
		out.EthSrc[i] = f.EthSrc[i] & mask.EthSrc[i]
	}
	for i := range out.EthDst {
		out.EthDst[i] = f.EthDst[i] & mask.EthDst[i]
	}
	out.VLANTCI = f.VLANTCI & mask.VLANTCI
	out.EthType = f.EthType & mask.EthType
	for i := range out.IPSrc {
		out.IPSrc[i] = f.IPSrc[i] & mask.IPSrc[i]
	}
	for i := range out.IPDst {
		out.IPDst[i] = f.IPDst[i] & mask.IPDst[i]
	}
	out.IPProto = f.IPProto & mask.IPProto
	out.TPSrc = f.TPSrc & mask.TPSrc
	out.TPDst = f.TPDst & mask.TPDst
	out.Metadata = f.Metadata & mask.Metadata
	out.CtMark = f.CtMark & mask.CtMark
	return out
}

// Or returns the bitwise OR of a and b, field by field — used to
// accumulate examined bits into a Wildcards value.
func Or(a, b Flow) Flow {
	var out Flow
	out.InPort = a.InPort | b.InPort
	for i := range out.EthSrc {
		out.EthSrc[i] = a.EthSrc[i] | b.EthSrc[i]
	}
	for i := range out.EthDst {
		out.EthDst[i] = a.EthDst[i] | b.EthDst[i]
	}
	out.VLANTCI = a.VLANTCI | b.VLANTCI
	out.EthType = a.EthType | b.EthType
	for i := range out.IPSrc {
		out.IPSrc[i] = a.IPSrc[i] | b.IPSrc[i]
	}
	for i := range out.IPDst {
		out.IPDst[i] = a.IPDst[i] | b.IPDst[i]
	}
	out.IPProto = a.IPProto | b.IPProto
	out.TPSrc = a.TPSrc | b.TPSrc
	out.TPDst = a.TPDst | b.TPDst
	out.Metadata = a.Metadata | b.Metadata
	out.CtMark = a.CtMark | b.CtMark
	return out
}

// FieldMask returns an all-ones Flow restricted to the bits of a single
// field, used when un-wildcarding "every field actually probed" (spec.md
// §4.6 step 5).
func FieldMask(f flowfield.Field) Flow {
	var out Flow
	switch f {
	case flowfield.InPort:
		out.InPort = ^uint32(0)
	case flowfield.EthSrc:
		out.EthSrc = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case flowfield.EthDst:
		out.EthDst = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case flowfield.VLANTCI:
		out.VLANTCI = ^uint16(0)
	case flowfield.EthType:
		out.EthType = ^uint16(0)
	case flowfield.IPSrc:
		for i := range out.IPSrc {
			out.IPSrc[i] = 0xff
		}
	case flowfield.IPDst:
		for i := range out.IPDst {
			out.IPDst[i] = 0xff
		}
	case flowfield.IPProto:
		out.IPProto = ^uint8(0)
	case flowfield.TPSrc:
		out.TPSrc = ^uint16(0)
	case flowfield.TPDst:
		out.TPDst = ^uint16(0)
	case flowfield.Metadata:
		out.Metadata = ^uint64(0)
	case flowfield.CtMark:
		out.CtMark = ^uint32(0)
	}
	return out
}

// FieldPrefixMask returns an all-ones-prefix Flow restricted to the
// leading n bits of field (only IPSrc/IPDst are meaningful; n is clamped
// to the field's bit width). Used to accumulate the partial wildcard
// contribution of a prefix-trie probe that didn't reach the full field
// width (spec.md §4.3, §8 scenario 3).
func FieldPrefixMask(field flowfield.Field, n int) Flow {
	var out Flow
	var dst *[16]byte
	switch field {
	case flowfield.IPSrc:
		dst = &out.IPSrc
	case flowfield.IPDst:
		dst = &out.IPDst
	default:
		return out
	}
	if n < 0 {
		n = 0
	}
	if n > 128 {
		n = 128
	}
	for i := 0; n > 0; i++ {
		if n >= 8 {
			dst[i] = 0xff
			n -= 8
			continue
		}
		dst[i] = byte((uint16(0xff00) >> uint(n)) & 0xff)
		n = 0
	}
	return out
}

// MaskSubsetOf reports whether every bit a pins is also pinned by b —
// equivalently, a mask is "looser than or equal to" b (any rule using a
// could match every packet a rule using the equal-or-stricter mask b
// matches). Used by iteration to decide whether a subtable could
// possibly overlap a target rule (spec.md §4.8).
func MaskSubsetOf(a, b Flow) bool {
	if a.InPort&^b.InPort != 0 {
		return false
	}
	for i := range a.EthSrc {
		if a.EthSrc[i]&^b.EthSrc[i] != 0 {
			return false
		}
	}
	for i := range a.EthDst {
		if a.EthDst[i]&^b.EthDst[i] != 0 {
			return false
		}
	}
	if a.VLANTCI&^b.VLANTCI != 0 {
		return false
	}
	if a.EthType&^b.EthType != 0 {
		return false
	}
	for i := range a.IPSrc {
		if a.IPSrc[i]&^b.IPSrc[i] != 0 {
			return false
		}
	}
	for i := range a.IPDst {
		if a.IPDst[i]&^b.IPDst[i] != 0 {
			return false
		}
	}
	if a.IPProto&^b.IPProto != 0 {
		return false
	}
	if a.TPSrc&^b.TPSrc != 0 {
		return false
	}
	if a.TPDst&^b.TPDst != 0 {
		return false
	}
	if a.Metadata&^b.Metadata != 0 {
		return false
	}
	if a.CtMark&^b.CtMark != 0 {
		return false
	}
	return true
}

// IsZero reports whether f is the all-zero flow (an all-wildcarded mask,
// i.e. a catch-all rule, when f is a Minimatch's Mask).
func IsZero(f Flow) bool {
	return f == Flow{}
}

// FieldIsWildcarded reports whether mask has zero bits for f (the field
// contributes nothing to a match, i.e. is fully wildcarded).
func FieldIsWildcarded(mask Flow, f flowfield.Field) bool {
	switch f {
	case flowfield.InPort:
		return mask.InPort == 0
	case flowfield.EthSrc:
		return mask.EthSrc == [6]byte{}
	case flowfield.EthDst:
		return mask.EthDst == [6]byte{}
	case flowfield.VLANTCI:
		return mask.VLANTCI == 0
	case flowfield.EthType:
		return mask.EthType == 0
	case flowfield.IPSrc:
		return mask.IPSrc == [16]byte{}
	case flowfield.IPDst:
		return mask.IPDst == [16]byte{}
	case flowfield.IPProto:
		return mask.IPProto == 0
	case flowfield.TPSrc:
		return mask.TPSrc == 0
	case flowfield.TPDst:
		return mask.TPDst == 0
	case flowfield.Metadata:
		return mask.Metadata == 0
	case flowfield.CtMark:
		return mask.CtMark == 0
	}
	return true
}
