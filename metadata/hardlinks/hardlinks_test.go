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

package hardlinks

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestList(t *testing.T) *List {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hardlinks")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestDuplicateRejected(t *testing.T) {
	l := newTestList(t)
	e := Entry{ParentDev: 1, ParentIno: 2, Name: "f"}
	require.NoError(t, l.Append(e))
	err := l.Append(e)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, l.Len())
}

func TestInsertionOrderPreserved(t *testing.T) {
	l := newTestList(t)
	require.NoError(t, l.Append(Entry{ParentDev: 1, ParentIno: 1, Name: "b"}))
	require.NoError(t, l.Append(Entry{ParentDev: 1, ParentIno: 1, Name: "a"}))

	all := l.ReadAll()
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].Name)
	assert.Equal(t, "a", all[1].Name)
}

func TestReplayRestoresState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hardlinks")

	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.Append(Entry{ParentDev: 1, ParentIno: 2, Name: "x"}))
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, []Entry{{ParentDev: 1, ParentIno: 2, Name: "x"}}, l2.ReadAll())
}

func TestRemove(t *testing.T) {
	l := newTestList(t)
	e := Entry{ParentDev: 1, ParentIno: 2, Name: "x"}
	require.NoError(t, l.Append(e))
	assert.True(t, l.Remove(e))
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Remove(e))
}
