// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"hash/maphash"

	"github.com/gaissmai/flowclassifier/flow"
)

// Tag is a coarse partition fingerprint derived from a rule's metadata
// value (spec.md §4.3's "partition index"). A lookup computes the tag(s)
// its probe flow could possibly match and skips any subtable whose
// registered tag set doesn't intersect them, without touching the
// subtable's hash table at all.
type Tag uint64

// TagUniversal is ORed into every lookup's candidate tag set on behalf
// of subtables whose metadata mask is not a full exact match: such a
// subtable's rules may have metadata values a lookup's concrete tag
// cannot predict in advance (a partial mask admits many values), so
// partition cannot rule them out and they must always be considered
// (see DESIGN.md, "Partition tags are a may-overlap, not exact,
// predicate").
const TagUniversal Tag = 1

//nolint:gochecknoglobals
var tagSeed = maphash.MakeSeed()

// ComputeTag derives the partition tag for a concrete metadata value: a
// sparse tag with one or two bits set among bits 1..63, the positions
// taken from two independent slices of one hash. Bit 0 (TagUniversal) is
// never set.
func ComputeTag(metadata uint64) Tag {
	var h maphash.Hash
	h.SetSeed(tagSeed)
	var b [8]byte
	for i := range b {
		b[i] = byte(metadata >> (8 * i))
	}
	h.Write(b[:])
	sum := h.Sum64()
	return Tag(1)<<(1+sum%63) | Tag(1)<<(1+(sum>>32)%63)
}

// metadataIsExact reports whether mask pins every bit of the Metadata
// field, the condition under which a subtable's partition membership
// can be computed precisely rather than folded into TagUniversal.
func metadataIsExact(mask flow.Flow) bool {
	return mask.Metadata == ^uint64(0)
}
