// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOversampleFactor(t *testing.T) {
	// Only with all three auxiliary datasets enabled there is no oversampling.
	for _, test := range []struct {
		use2015, useIdrid, useMessidor bool
		want                           int
	}{
		{false, false, false, 2},
		{true, false, false, 2},
		{false, true, false, 2},
		{false, false, true, 2},
		{true, true, false, 2},
		{true, false, true, 2},
		{false, true, true, 2},
		{true, true, true, 1},
	} {
		c := Config{
			UseAptos2015: test.use2015,
			UseIdrid:     test.useIdrid,
			UseMessidor:  test.useMessidor,
		}
		assert.Equalf(t, test.want, c.OversampleFactor(),
			"aptos2015=%v idrid=%v messidor=%v", test.use2015, test.useIdrid, test.useMessidor)
	}
}

func TestFoldOf(t *testing.T) {
	// Deterministic, in range, and not degenerate: with enough samples every
	// fold receives some.
	var counts [NumFolds]int
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("sample%04d", i)
		fold := foldOf(42, id, NumFolds)
		require.GreaterOrEqual(t, fold, 0)
		require.Less(t, fold, NumFolds)
		assert.Equal(t, fold, foldOf(42, id, NumFolds))
		counts[fold]++
	}
	for fold, count := range counts {
		assert.Greaterf(t, count, 0, "fold %d received no samples", fold)
	}

	// Changing the seed reshuffles at least some assignments.
	changed := 0
	for i := 0; i < 100; i++ {
		id := fmt.Sprintf("sample%04d", i)
		if foldOf(42, id, NumFolds) != foldOf(43, id, NumFolds) {
			changed++
		}
	}
	assert.Greater(t, changed, 0)
}

func fakeSamples(n int) []Sample {
	samples := make([]Sample, n)
	for i := range samples {
		samples[i] = Sample{
			Source: Aptos2019,
			ID:     fmt.Sprintf("s%03d", i),
			Grade:  int32(i % NumGrades),
		}
	}
	return samples
}

func TestYieldIndicesFinite(t *testing.T) {
	config := DefaultConfig()
	config.CacheImages = false
	ds := newDataset(&config, "test", fakeSamples(10), 4)

	var seen []int
	for {
		indices, err := ds.yieldIndices()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		seen = append(seen, indices...)
	}
	// Sequential, single epoch, every sample exactly once.
	require.Len(t, seen, 10)
	for i, idx := range seen {
		assert.Equal(t, i, idx)
	}

	// Reset rewinds.
	ds.Reset()
	indices, err := ds.yieldIndices()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 3}, indices)
}

func TestYieldIndicesBalanced(t *testing.T) {
	config := DefaultConfig()
	config.CacheImages = false
	config.Balance = true
	ds := newDataset(&config, "test", fakeSamples(50), 10)
	ds.infinite = true

	indices, err := ds.yieldIndices()
	require.NoError(t, err)
	require.Len(t, indices, 10)
	// Grades drawn round-robin: two full rounds over the 5 grades.
	for i, idx := range indices {
		assert.Equal(t, int32(i%NumGrades), ds.SampleAt(idx).Grade)
	}
}

func TestStepsPerEpoch(t *testing.T) {
	config := DefaultConfig()
	config.CacheImages = false
	ds := newDataset(&config, "test", fakeSamples(100), 32)
	assert.Equal(t, 3, ds.StepsPerEpoch())

	tiny := newDataset(&config, "tiny", fakeSamples(3), 32)
	assert.Equal(t, 1, tiny.StepsPerEpoch(), "never 0 steps per epoch")
}