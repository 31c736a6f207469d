// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package pvector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func eq(a, b string) bool { return a == b }

func TestPublishSortsDescending(t *testing.T) {
	v := &Vector[string]{}
	v.Upsert("a", 10, eq)
	v.Upsert("b", 30, eq)
	v.Upsert("c", 20, eq)

	require.Nil(t, v.Snapshot(), "nothing published yet")

	v.Publish()
	snap := v.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "b", snap[0].Value)
	require.Equal(t, "c", snap[1].Value)
	require.Equal(t, "a", snap[2].Value)
}

func TestUpsertUpdatesExistingPriority(t *testing.T) {
	v := &Vector[string]{}
	v.Upsert("a", 10, eq)
	v.Upsert("a", 50, eq)
	require.Equal(t, 1, v.Len())

	v.Publish()
	snap := v.Snapshot()
	require.Len(t, snap, 1)
	require.EqualValues(t, 50, snap[0].Priority)
}

func TestRemoveDropsEntry(t *testing.T) {
	v := &Vector[string]{}
	v.Upsert("a", 10, eq)
	v.Upsert("b", 20, eq)
	v.Remove("a", eq)
	v.Publish()

	snap := v.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, "b", snap[0].Value)
}

func TestDeferredMutationNotVisibleUntilPublish(t *testing.T) {
	v := &Vector[string]{}
	v.Upsert("a", 10, eq)
	v.Publish()

	v.Upsert("b", 20, eq) // staged only

	snap := v.Snapshot()
	require.Len(t, snap, 1, "reader still sees pre-mutation snapshot")

	v.Publish()
	require.Len(t, v.Snapshot(), 2)
}
