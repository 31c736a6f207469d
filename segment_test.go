// Copyright (c) 2024 Karl Gaissmaier
// SPDX-License-Identifier: MIT

package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gaissmai/flowclassifier/flowfield"
)

func TestNewSegmentPlanRejectsTooManyStages(t *testing.T) {
	stages := make([][]flowfield.Field, MaxSegments+1)
	_, err := newSegmentPlan(stages)
	require.ErrorIs(t, err, ErrLimit)
}

func TestNewSegmentPlanForcesFullMaskFinalStage(t *testing.T) {
	p, err := newSegmentPlan([][]flowfield.Field{{flowfield.InPort}})
	require.NoError(t, err)
	require.Equal(t, 1, p.stages())
	require.ElementsMatch(t, flowfield.All(), p.fieldsThrough(0))
}

func TestNewSegmentPlanZeroStagesCollapsesToOneProbe(t *testing.T) {
	p, err := newSegmentPlan(nil)
	require.NoError(t, err)
	require.Equal(t, 1, p.stages())
	require.ElementsMatch(t, flowfield.All(), p.fieldsThrough(0))
}

func TestNewSegmentPlanCumulative(t *testing.T) {
	p, err := newSegmentPlan([][]flowfield.Field{
		{flowfield.InPort},
		{flowfield.IPDst},
	})
	require.NoError(t, err)
	require.Equal(t, 2, p.stages())
	require.ElementsMatch(t, []flowfield.Field{flowfield.InPort}, p.fieldsThrough(0))
	require.ElementsMatch(t, flowfield.All(), p.fieldsThrough(1), "final stage is always the full field set")
}

func TestDefaultSegmentPlan(t *testing.T) {
	p := defaultSegmentPlan()
	require.Equal(t, 3, p.stages())
	require.ElementsMatch(t, flowfield.All(), p.fieldsThrough(p.stages()-1))
}
