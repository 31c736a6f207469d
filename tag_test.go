// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/flowclassifier/flow"
)

func TestComputeTagExcludesUniversalBit(t *testing.T) {
	for _, m := range []uint64{0, 1, 2, 42, ^uint64(0)} {
		tag := ComputeTag(m)
		require.Zero(t, uint64(tag)&uint64(TagUniversal), "computed tag must never collide with the universal bit")
		require.NotZero(t, tag)
	}
}

func TestComputeTagDeterministic(t *testing.T) {
	require.Equal(t, ComputeTag(123), ComputeTag(123))
}

func TestMetadataIsExact(t *testing.T) {
	var mask flow.Flow
	require.False(t, metadataIsExact(mask))
	mask.Metadata = ^uint64(0)
	require.True(t, metadataIsExact(mask))
	mask.Metadata = 0xff
	require.False(t, metadataIsExact(mask))
}
