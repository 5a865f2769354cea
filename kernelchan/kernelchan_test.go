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

package kernelchan

import (
	"context"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/objgraph"
	"github.com/zlomekfs/zfsd/vfsops"
	"github.com/zlomekfs/zfsd/wire"
	"github.com/zlomekfs/zfsd/workerpool"
)

func newTestFileSystem(t *testing.T) *FileSystem {
	t.Helper()
	dir := t.TempDir()

	graph := objgraph.New(1)
	vol, err := objgraph.OpenVolume(1, 1, "vol0", dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })
	graph.AddVolume(vol)

	pool, err := workerpool.New(1, 2, 4)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(0) })

	ops := vfsops.New(graph, pool)
	return New(ops, 1, vol.RootFH)
}

func TestMkDirThenLookUpInode(t *testing.T) {
	fs := newTestFileSystem(t)
	ctx := context.Background()

	mkdirOp := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: "sub", Mode: 0o755}
	require.NoError(t, fs.MkDir(ctx, mkdirOp))
	require.NotZero(t, mkdirOp.Entry.Child)

	lookupOp := &fuseops.LookUpInodeOp{Parent: fuseops.RootInodeID, Name: "sub"}
	require.NoError(t, fs.LookUpInode(ctx, lookupOp))
	require.Equal(t, mkdirOp.Entry.Child, lookupOp.Entry.Child)
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	fs := newTestFileSystem(t)
	ctx := context.Background()

	createOp := &fuseops.CreateFileOp{Parent: fuseops.RootInodeID, Name: "file.txt", Mode: 0o644}
	require.NoError(t, fs.CreateFile(ctx, createOp))
	require.NotZero(t, createOp.Handle)

	payload := []byte("hello from the kernel channel")
	writeOp := &fuseops.WriteFileOp{Handle: createOp.Handle, Offset: 0, Data: payload}
	require.NoError(t, fs.WriteFile(ctx, writeOp))

	readOp := &fuseops.ReadFileOp{Handle: createOp.Handle, Offset: 0, Dst: make([]byte, len(payload))}
	require.NoError(t, fs.ReadFile(ctx, readOp))
	require.Equal(t, payload, readOp.Dst[:readOp.BytesRead])
}

func TestOpenDirReadDirListsEntries(t *testing.T) {
	fs := newTestFileSystem(t)
	ctx := context.Background()

	for _, name := range []string{"one", "two"} {
		op := &fuseops.MkDirOp{Parent: fuseops.RootInodeID, Name: name, Mode: 0o755}
		require.NoError(t, fs.MkDir(ctx, op))
	}

	openOp := &fuseops.OpenDirOp{Inode: fuseops.RootInodeID}
	require.NoError(t, fs.OpenDir(ctx, openOp))
	require.NotZero(t, openOp.Handle)

	readOp := &fuseops.ReadDirOp{Handle: openOp.Handle, Offset: 0, Dst: make([]byte, 4096)}
	require.NoError(t, fs.ReadDir(ctx, readOp))
	require.Greater(t, readOp.BytesRead, 0)

	releaseOp := &fuseops.ReleaseDirHandleOp{Handle: openOp.Handle}
	require.NoError(t, fs.ReleaseDirHandle(ctx, releaseOp))
}

func TestGetInodeAttributesUnknownInodeIsENOENT(t *testing.T) {
	fs := newTestFileSystem(t)
	op := &fuseops.GetInodeAttributesOp{Inode: fuseops.InodeID(9999)}
	err := fs.GetInodeAttributes(context.Background(), op)
	require.Error(t, err)
}

func TestRootInodeMapsToConfiguredRootFH(t *testing.T) {
	dir := t.TempDir()
	graph := objgraph.New(1)
	vol, err := objgraph.OpenVolume(1, 1, "vol0", dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })
	graph.AddVolume(vol)

	pool, err := workerpool.New(1, 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(0) })

	fs := New(vfsops.New(graph, pool), 1, wire.FH{})
	root, ok := fs.fhFor(fuseops.RootInodeID)
	require.True(t, ok)
	require.Equal(t, wire.FH{}, root)
}
