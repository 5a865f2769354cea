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

package metadata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/metadata/hardlinks"
	"github.com/zlomekfs/zfsd/metadata/journal"
	"github.com/zlomekfs/zfsd/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMetadataRoundTrip(t *testing.T) {
	s := newTestStore(t)
	rec := Record{Dev: 1, Ino: 42, MasterFH: wire.FH{SID: 1, VID: 2, Dev: 3, Ino: 42, Gen: 1}, Gen: 1, LocalVersion: 1, MasterVersion: 1, ModeType: 0o100644, UID: 1000, GID: 1000}
	require.NoError(t, s.SetMetadata(rec, false))

	got, ok, err := s.GetMetadata(1, 42)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	deleted, err := s.DeleteMetadata(1, 42)
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = s.GetMetadata(1, 42)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadataBaseOnlyReservesSlot(t *testing.T) {
	s := newTestStore(t)
	fh := wire.FH{SID: 1, VID: 1, Dev: 1, Ino: 7, Gen: 1}
	require.NoError(t, s.SetMetadata(Record{Dev: 1, Ino: 7, MasterFH: fh}, true))

	got, ok, err := s.GetMetadata(1, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fh, got.MasterFH)
	assert.Equal(t, uint64(0), got.MasterVersion)

	require.NoError(t, s.SetMetadata(Record{Dev: 1, Ino: 7, MasterFH: fh, MasterVersion: 9}, false))
	got, ok, err = s.GetMetadata(1, 7)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), got.MasterVersion)
}

func TestMasterFHMapping(t *testing.T) {
	s := newTestStore(t)
	fh := wire.FH{SID: 1, VID: 1, Dev: 1, Ino: 99, Gen: 3}
	require.NoError(t, s.RecordMasterFH(fh, Key{Dev: 1, Ino: 99}))

	local, ok, err := s.LookupByMasterFH(fh)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Key{Dev: 1, Ino: 99}, local)

	removed, err := s.ForgetMasterFH(fh)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestIntervalsPersistAcrossCloseAndReopen(t *testing.T) {
	s := newTestStore(t)

	tree, err := s.OpenIntervals(1, 5, Modified)
	require.NoError(t, err)
	tree.Insert(0, 100)
	tree.Insert(200, 300)
	require.NoError(t, s.CloseIntervals(1, 5, Modified))

	tree2, err := s.OpenIntervals(1, 5, Modified)
	require.NoError(t, err)
	assert.True(t, tree2.Covered(0, 100))
	assert.True(t, tree2.Covered(200, 300))
	assert.False(t, tree2.Covered(100, 200))
	require.NoError(t, s.CloseIntervals(1, 5, Modified))
}

func TestIntervalsOfDifferentKindsAreIndependent(t *testing.T) {
	s := newTestStore(t)

	updated, err := s.OpenIntervals(1, 5, Updated)
	require.NoError(t, err)
	updated.Insert(0, 50)
	require.NoError(t, s.CloseIntervals(1, 5, Updated))

	modified, err := s.OpenIntervals(1, 5, Modified)
	require.NoError(t, err)
	assert.False(t, modified.Covered(0, 50))
	require.NoError(t, s.CloseIntervals(1, 5, Modified))
}

func TestIntervalsRefcountedAcrossConcurrentOpeners(t *testing.T) {
	s := newTestStore(t)

	a, err := s.OpenIntervals(1, 1, Updated)
	require.NoError(t, err)
	b, err := s.OpenIntervals(1, 1, Updated)
	require.NoError(t, err)
	assert.Same(t, a, b)

	a.Insert(0, 10)
	require.NoError(t, s.CloseIntervals(1, 1, Updated))

	reopened, err := s.OpenIntervals(1, 1, Updated)
	require.NoError(t, err)
	assert.Same(t, a, reopened, "tree stays cached while a reference is still outstanding")
	assert.True(t, reopened.Covered(0, 10))
	require.NoError(t, s.CloseIntervals(1, 1, Updated))
	require.NoError(t, s.CloseIntervals(1, 1, Updated))
}

func TestJournalWiredThroughStore(t *testing.T) {
	s := newTestStore(t)
	changed, err := s.AppendJournal(1, 5, journal.Entry{Name: "x", Oper: journal.Add})
	require.NoError(t, err)
	assert.True(t, changed)

	entries, err := s.ReadJournal(1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Name)
}

func TestHardlinksWiredThroughStore(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendHardlink(1, 5, hardlinks.Entry{ParentDev: 1, ParentIno: 2, Name: "a"}))
	require.ErrorIs(t, s.AppendHardlink(1, 5, hardlinks.Entry{ParentDev: 1, ParentIno: 2, Name: "a"}), hardlinks.ErrDuplicate)

	entries, err := s.ReadHardlinks(1, 5)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].Name)
}
