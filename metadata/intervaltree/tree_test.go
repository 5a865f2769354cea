// Copyright 2024 The Zlomek FS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package intervaltree

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 3 from SPEC_FULL.md §8: interval tree merge.
func TestInsertMergesOverlappingAndAdjacent(t *testing.T) {
	tr := New()
	tr.Insert(0, 4)
	tr.Insert(10, 15)
	tr.Insert(4, 10)

	all := tr.All()
	require.Len(t, all, 1)
	assert.Equal(t, Interval{0, 15}, all[0])

	assert.True(t, tr.Covered(2, 12))
	assert.Equal(t, []Interval{{15, 20}}, tr.Complement(0, 20))
}

func TestInsertOfEmptyRangeIsNoOp(t *testing.T) {
	tr := New()
	tr.Insert(5, 5)
	assert.Equal(t, 0, tr.Len())
}

func TestCoveredRequiresSingleSpanningInterval(t *testing.T) {
	tr := New()
	tr.Insert(0, 5)
	tr.Insert(10, 15)
	assert.False(t, tr.Covered(0, 15), "a gap at [5,10) must not be reported as covered")
	assert.True(t, tr.Covered(0, 5))
	assert.True(t, tr.Covered(11, 14))
}

func TestIntersectionClipsToQueryRange(t *testing.T) {
	tr := New()
	tr.Insert(0, 5)
	tr.Insert(8, 20)
	got := tr.Intersection(3, 12)
	assert.Equal(t, []Interval{{3, 5}, {8, 12}}, got)
}

func TestDeleteSplitsInterval(t *testing.T) {
	tr := New()
	tr.Insert(0, 20)
	tr.Delete(5, 10)

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, Interval{0, 5}, all[0])
	assert.Equal(t, Interval{10, 20}, all[1])
}

func TestNoStoredIntervalsOverlapOrTouch(t *testing.T) {
	tr := New()
	for _, iv := range [][2]uint64{{0, 4}, {20, 30}, {4, 8}, {40, 50}, {8, 20}} {
		tr.Insert(iv[0], iv[1])
	}
	all := tr.All()
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].End, all[i].Start, "stored intervals must be neither overlapping nor adjacent")
	}
}

func TestMinMaxPredecessorSuccessor(t *testing.T) {
	tr := New()
	tr.Insert(0, 5)
	tr.Insert(10, 15)
	tr.Insert(20, 25)

	min, ok := tr.Min()
	require.True(t, ok)
	assert.Equal(t, Interval{0, 5}, min)

	max, ok := tr.Max()
	require.True(t, ok)
	assert.Equal(t, Interval{20, 25}, max)

	pred, ok := tr.Predecessor(20)
	require.True(t, ok)
	assert.Equal(t, Interval{10, 15}, pred)

	succ, ok := tr.Successor(5)
	require.True(t, ok)
	assert.Equal(t, Interval{10, 15}, succ)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tr := New()
	tr.Insert(0, 4)
	tr.Insert(100, 200)
	tr.Insert(1<<20, 1<<21)

	var buf bytes.Buffer
	require.NoError(t, tr.Save(&buf))

	loaded, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, tr.All(), loaded.All())
}
