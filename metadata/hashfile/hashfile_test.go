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

package hashfile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// u64Codec is a minimal Codec used only by tests: the key and the value
// are the same uint64, encoded as 8 raw little-endian bytes.
type u64Codec struct{}

func (u64Codec) Size() int     { return 8 }
func (u64Codec) BaseSize() int { return 8 }
func (u64Codec) Hash(k uint64) uint64 {
	return k
}
func (u64Codec) KeyOf(v uint64) uint64 { return v }
func (u64Codec) Encode(v uint64, baseOnly bool, dst []byte) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}
func (u64Codec) Decode(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

func newTestTable(t *testing.T, initialSize int) *Table[uint64, uint64] {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.hash")
	tbl, err := Open[uint64, uint64](path, u64Codec{}, initialSize)
	require.NoError(t, err)
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

// Scenario 5 from SPEC_FULL.md §8: insert then lookup returns the
// inserted record; delete then lookup returns "not found".
func TestLookupInsertDelete(t *testing.T) {
	tbl := newTestTable(t, 32)

	require.NoError(t, tbl.Insert(42, false))
	got, ok, err := tbl.Lookup(42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(42), got)

	deleted, err := tbl.Delete(42)
	require.NoError(t, err)
	require.True(t, deleted)

	_, ok, err = tbl.Lookup(42)
	require.NoError(t, err)
	require.False(t, ok)
}

// Scenario 2 from SPEC_FULL.md §8: hash-file grow.
func TestGrowsAtThreshold(t *testing.T) {
	tbl := newTestTable(t, 4)

	require.NoError(t, tbl.Insert(1, false))
	require.NoError(t, tbl.Insert(2, false))
	require.Equal(t, 4, tbl.TableSize(), "table must not grow before the threshold is crossed")
	require.Equal(t, 2, tbl.NElements())

	// 2*(n_elements=2) >= table_size=4 triggers a grow on the next insert.
	require.NoError(t, tbl.Insert(3, false))
	require.Equal(t, 8, tbl.TableSize())
	require.Equal(t, 3, tbl.NElements())

	for _, k := range []uint64{1, 2, 3} {
		v, ok, err := tbl.Lookup(k)
		require.NoError(t, err)
		require.True(t, ok, "key %d must survive rehash", k)
		require.Equal(t, k, v)
	}
}

func TestInsertUpdatesExistingKeyInPlace(t *testing.T) {
	tbl := newTestTable(t, 32)
	require.NoError(t, tbl.Insert(7, false))
	require.NoError(t, tbl.Insert(7, false))
	require.Equal(t, 1, tbl.NElements(), "re-inserting the same key must not create a duplicate")
}

func TestDeleteThenReinsertReusesTombstone(t *testing.T) {
	tbl := newTestTable(t, 32)
	require.NoError(t, tbl.Insert(1, false))
	deleted, err := tbl.Delete(1)
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, tbl.Insert(2, false))
	v, ok, err := tbl.Lookup(2)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), v)
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.hash")

	tbl, err := Open[uint64, uint64](path, u64Codec{}, 32)
	require.NoError(t, err)
	require.NoError(t, tbl.Insert(99, false))
	require.NoError(t, tbl.Close())

	tbl2, err := Open[uint64, uint64](path, u64Codec{}, 32)
	require.NoError(t, err)
	defer tbl2.Close()

	v, ok, err := tbl2.Lookup(99)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(99), v)
}
