// Copyright (c) 2025 Karl Gaissmaier
// SPDX-License-Identifier: MIT

// Package golden generates random flow.Flow and flow.Minimatch values for
// the property-based test suite and the classifierctl demo, the same role
// the reference library's own internal/golden random-prefix generator
// plays for route tables.
package golden

import (
	"math/rand/v2"

	"github.com/gaissmai/flowclassifier/flow"
	"github.com/gaissmai/flowclassifier/flowfield"
)

// RandomFlow returns a flow with every field populated with random bits;
// IPSrc and IPDst get a random IPv4 address in their low 4 bytes, the
// leading 12 bytes stay zero.
func RandomFlow(prng *rand.Rand) flow.Flow {
	var f flow.Flow
	f.InPort = prng.Uint32()
	fillRandomBytes(prng, f.EthSrc[:])
	fillRandomBytes(prng, f.EthDst[:])
	f.VLANTCI = uint16(prng.UintN(1 << 16))
	f.EthType = uint16(prng.UintN(1 << 16))
	fillRandomBytes(prng, f.IPSrc[12:])
	fillRandomBytes(prng, f.IPDst[12:])
	f.IPProto = byte(prng.UintN(256))
	f.TPSrc = uint16(prng.UintN(1 << 16))
	f.TPDst = uint16(prng.UintN(1 << 16))
	f.Metadata = prng.Uint64()
	f.CtMark = prng.Uint32()
	return f
}

// RandomMask returns a mask in which every field is independently either
// fully wildcarded or fully pinned — the common case for a classifier
// rule that doesn't use prefix matching.
func RandomMask(prng *rand.Rand) flow.Flow {
	var m flow.Flow
	for _, f := range flowfield.All() {
		if prng.IntN(2) == 0 {
			continue
		}
		m = flow.Or(m, flow.FieldMask(f))
	}
	return m
}

// RandomPrefixMask returns a mask pinning a random-length left-aligned
// prefix of field (meaningful only for IPSrc/IPDst; other fields are
// returned fully wildcarded).
func RandomPrefixMask(prng *rand.Rand, field flowfield.Field, maxBits int) flow.Flow {
	return flow.FieldPrefixMask(field, prng.IntN(maxBits+1))
}

// RandomMinimatch returns a canonicalized (value, mask) pair with an
// all-or-nothing mask per field.
func RandomMinimatch(prng *rand.Rand) flow.Minimatch {
	m := flow.Minimatch{Value: RandomFlow(prng), Mask: RandomMask(prng)}
	return m.Masked()
}

func fillRandomBytes(prng *rand.Rand, b []byte) {
	for i := range b {
		b[i] = byte(prng.UintN(256))
	}
}
