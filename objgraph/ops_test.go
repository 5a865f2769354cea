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

package objgraph

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/clock"
	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/metadata"
	"github.com/zlomekfs/zfsd/wire"
)

// wireRoot is the virtual root's fixed all-zero handle.
func wireRoot() wire.FH { return wire.FH{} }

func newTestGraph(t *testing.T) (*Graph, *Volume) {
	t.Helper()
	dir := t.TempDir()
	vol, err := OpenVolume(1, 1, "test", dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })

	g := New(1)
	g.AddVolume(vol)
	return g, vol
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()

	cap, fh, attr, err := g.Create(ctx, vol.RootFH, "hello.txt", 0, Attr{Mode: 0o644})
	require.NoError(t, err)
	require.NotZero(t, fh.Ino)
	require.Equal(t, uint64(0), attr.Size)

	n, err := g.Write(ctx, cap, 0, []byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, 11, n)

	got, err := g.Read(ctx, cap, 0, 11)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))

	require.NoError(t, g.Close(ctx, cap))
}

func TestLookupFindsExistingFile(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(vol.LocalPath, "a"), []byte("x"), 0o644))

	fh, attr, err := g.Lookup(ctx, vol.RootFH, "a")
	require.NoError(t, err)
	require.NotZero(t, fh.Ino)
	require.Equal(t, uint64(1), attr.Size)

	fh2, _, err := g.Lookup(ctx, vol.RootFH, "a")
	require.NoError(t, err)
	require.Equal(t, fh, fh2, "repeated lookup returns the same fh via the dentry cache")
}

func TestLookupMissingReturnsENOENT(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	_, _, err := g.Lookup(ctx, vol.RootFH, "missing")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOENT, zfserr.CodeOf(err))
}

func TestMkdirRmdirRoundTrip(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()

	fh, attr, err := g.Mkdir(ctx, vol.RootFH, "sub", Attr{Mode: ModeDir | 0o755})
	require.NoError(t, err)
	require.Equal(t, uint32(ModeDir), attr.Mode&ModeTypeMask)
	require.NotZero(t, fh.Ino)

	require.NoError(t, g.Rmdir(ctx, vol.RootFH, "sub"))
	_, _, err = g.Lookup(ctx, vol.RootFH, "sub")
	require.Error(t, err)
}

func TestSymlinkReadlink(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()

	fh, _, err := g.Symlink(ctx, vol.RootFH, "link", "target", Attr{})
	require.NoError(t, err)

	target, err := g.Readlink(ctx, fh)
	require.NoError(t, err)
	require.Equal(t, "target", target)
}

func TestUnlink(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	_, fh, _, err := g.Create(ctx, vol.RootFH, "doomed", 0, Attr{Mode: 0o644})
	require.NoError(t, err)
	_ = fh

	require.NoError(t, g.Unlink(ctx, vol.RootFH, "doomed"))
	_, _, err = g.Lookup(ctx, vol.RootFH, "doomed")
	require.Error(t, err)
}

func TestLinkAddsHardlinkAndRecordsName(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	_, fh, _, err := g.Create(ctx, vol.RootFH, "orig", 0, Attr{Mode: 0o644})
	require.NoError(t, err)

	require.NoError(t, g.Link(ctx, fh, vol.RootFH, "alias"))

	_, attr, err := g.Lookup(ctx, vol.RootFH, "alias")
	require.NoError(t, err)
	require.GreaterOrEqual(t, attr.Nlink, uint32(2))

	links, err := vol.Store.ReadHardlinks(vol.RootKey.Dev, uint32(fh.Ino))
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.Equal(t, "alias", links[0].Name)
}

func TestRenameMovesEntry(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	_, _, _, err := g.Create(ctx, vol.RootFH, "from", 0, Attr{Mode: 0o644})
	require.NoError(t, err)

	require.NoError(t, g.Rename(ctx, vol.RootFH, "from", vol.RootFH, "to"))

	_, _, err = g.Lookup(ctx, vol.RootFH, "from")
	require.Error(t, err)
	_, _, err = g.Lookup(ctx, vol.RootFH, "to")
	require.NoError(t, err)
}

func TestReaddirListsCreatedEntries(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, _, _, err := g.Create(ctx, vol.RootFH, name, 0, Attr{Mode: 0o644})
		require.NoError(t, err)
	}

	cap, err := g.Open(ctx, vol.RootFH, 0)
	require.NoError(t, err)
	entries, eof, err := g.Readdir(ctx, cap, -1, 10)
	require.NoError(t, err)
	require.True(t, eof)
	require.Len(t, entries, 3)
}

type fakeUpcaller struct {
	calls int
	data  []byte
}

func (u *fakeUpcaller) ReadRemote(ctx context.Context, masterNode string, cap Cap, off int64, count int) ([]byte, error) {
	u.calls++
	return u.data, nil
}

func TestReadServesCoveredRangeWithoutUpcall(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	up := &fakeUpcaller{data: []byte("remote")}
	g.Upcall = up
	vol.RemoteMaster = true

	cap, _, _, err := g.Create(ctx, vol.RootFH, "f", 0, Attr{Mode: 0o644})
	require.NoError(t, err)
	_, err = g.Write(ctx, cap, 0, []byte("local bytes"))
	require.NoError(t, err)

	got, err := g.Read(ctx, cap, 0, 11)
	require.NoError(t, err)
	require.Equal(t, "local bytes", string(got))
	require.Zero(t, up.calls, "a range covered by the updated tree must not issue an RPC")
}

func TestReadUncoveredRangeUpcallsMasterAndPopulatesCache(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	up := &fakeUpcaller{data: []byte("remote")}
	g.Upcall = up
	vol.RemoteMaster = true

	cap, _, _, err := g.Create(ctx, vol.RootFH, "f", 0, Attr{Mode: 0o644})
	require.NoError(t, err)

	got, err := g.Read(ctx, cap, 0, 6)
	require.NoError(t, err)
	require.Equal(t, "remote", string(got))
	require.Equal(t, 1, up.calls)

	// The fetched range was written through to the local cache and
	// recorded in the updated tree, so the next read stays local.
	got, err = g.Read(ctx, cap, 0, 6)
	require.NoError(t, err)
	require.Equal(t, "remote", string(got))
	require.Equal(t, 1, up.calls, "a cached range must not upcall again")
}

func TestReadUncoveredRangeWithoutRuntimeFails(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	vol.RemoteMaster = true

	cap, _, _, err := g.Create(ctx, vol.RootFH, "f", 0, Attr{Mode: 0o644})
	require.NoError(t, err)

	_, err = g.Read(ctx, cap, 0, 6)
	require.Error(t, err, "an uncovered remote read with no RPC runtime must not serve stale local bytes")
}

func TestMetadataFlagsTrackCompleteAndModified(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()

	cap, fh, _, err := g.Create(ctx, vol.RootFH, "f", 0, Attr{Mode: 0o644})
	require.NoError(t, err)

	rec, ok, err := vol.Store.GetMetadata(fh.Dev, fh.Ino)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, rec.Flags&metadata.FlagMetadataComplete, "a fully populated record carries METADATA_COMPLETE")
	require.Zero(t, rec.Flags&metadata.FlagMetadataModified)

	_, err = g.Write(ctx, cap, 0, []byte("x"))
	require.NoError(t, err)

	rec, ok, err = vol.Store.GetMetadata(fh.Dev, fh.Ino)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotZero(t, rec.Flags&metadata.FlagMetadataModified, "a local write marks the record METADATA_MODIFIED pending flush")
}

func TestDentryServesFromCacheUntilTTLExpires(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	sim := clock.NewSimulatedClock(time.Unix(1000, 0))
	g.SetClock(sim)

	path := filepath.Join(vol.LocalPath, "a")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fh1, _, err := g.Lookup(ctx, vol.RootFH, "a")
	require.NoError(t, err)

	// The backing file vanishes, but the dentry is still inside its TTL,
	// so lookup keeps answering from the cache.
	require.NoError(t, os.Remove(path))
	fh2, _, err := g.Lookup(ctx, vol.RootFH, "a")
	require.NoError(t, err)
	require.Equal(t, fh1, fh2)

	// Past the TTL the cache must revalidate against the real directory.
	sim.Advance(DentryTTL + time.Second)
	_, _, err = g.Lookup(ctx, vol.RootFH, "a")
	require.Error(t, err)
}

func TestVirtualNamespaceResolvesMountedVolume(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	require.NoError(t, g.MountVolume("exports/data", vol))

	// Root -> "exports" is a fabricated virtual dir.
	exportsFH, attr, err := g.Lookup(ctx, wireRoot(), "exports")
	require.NoError(t, err)
	require.True(t, exportsFH.IsVirtual())
	require.Equal(t, uint32(ModeDir), attr.Mode&ModeTypeMask)

	// "exports" -> "data" crosses onto the volume root.
	dataFH, _, err := g.Lookup(ctx, exportsFH, "data")
	require.NoError(t, err)
	require.Equal(t, vol.RootFH, dataFH)

	// Readdir of a virtual dir lists its children.
	cap, err := g.Open(ctx, wireRoot(), 0)
	require.NoError(t, err)
	entries, eof, err := g.Readdir(ctx, cap, -1, 10)
	require.NoError(t, err)
	require.True(t, eof)
	require.Len(t, entries, 1)
	require.Equal(t, "exports", entries[0].Name)
	require.NoError(t, g.Close(ctx, cap))
}

func TestVirtualLookupMissingNameReturnsENOENT(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	require.NoError(t, g.MountVolume("data", vol))

	_, _, err := g.Lookup(ctx, wireRoot(), "nope")
	require.Error(t, err)
	require.Equal(t, zfserr.ENOENT, zfserr.CodeOf(err))
}

func TestMountVolumeTwiceAtSamePointFails(t *testing.T) {
	g, vol := newTestGraph(t)
	require.NoError(t, g.MountVolume("data", vol))
	require.Error(t, g.MountVolume("data", vol))
}

func TestForgetEvictsUnreferencedFH(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	require.NoError(t, os.WriteFile(filepath.Join(vol.LocalPath, "a"), []byte("x"), 0o644))

	fh, _, err := g.Lookup(ctx, vol.RootFH, "a")
	require.NoError(t, err)

	_, ok := g.fh(fh)
	require.True(t, ok)

	require.NoError(t, g.Forget(ctx, fh, 1))
	_, ok = g.fh(fh)
	require.False(t, ok, "lookup count dropping to zero evicts the internal_fh")
}

func TestSetattrTruncates(t *testing.T) {
	g, vol := newTestGraph(t)
	ctx := context.Background()
	cap, fh, _, err := g.Create(ctx, vol.RootFH, "f", 0, Attr{Mode: 0o644})
	require.NoError(t, err)
	_, err = g.Write(ctx, cap, 0, []byte("0123456789"))
	require.NoError(t, err)

	const validSize = 1 << 3
	attr, err := g.Setattr(ctx, fh, Attr{Size: 4}, validSize)
	require.NoError(t, err)
	require.Equal(t, uint64(4), attr.Size)
}
