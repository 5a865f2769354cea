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
	"fmt"
	"sort"
	"strings"

	"github.com/zlomekfs/zfsd/internal/lockorder"
	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/wire"
)

// MountVolume makes vol reachable under mountpoint in the virtual
// namespace, fabricating intermediate virtual dirs for every path
// component that does not exist yet. A mountpoint of "" or "/" mounts the
// volume directly on the virtual root.
func (g *Graph) MountVolume(mountpoint string, vol *Volume) error {
	g.vdMu.Lock()
	defer g.vdMu.Unlock()

	vd := g.vdRoot
	for _, component := range strings.Split(mountpoint, "/") {
		if component == "" {
			continue
		}
		child, ok := vd.Children[component]
		if !ok {
			g.nextVDIno++
			child = &VirtualDir{
				FH:       wire.FH{Ino: g.nextVDIno, Gen: 1},
				Name:     component,
				Parent:   vd,
				Children: make(map[string]*VirtualDir),
			}
			vd.Children[component] = child
			g.vdByFH[child.FH] = child
			g.vdTable[vd.FH] = append(g.vdTable[vd.FH], child)
		}
		vd = child
	}

	if vd.HasVol {
		return zfserr.New("MountVolume", zfserr.EEXIST,
			fmt.Errorf("virtual dir %q already has volume %d mounted", mountpoint, vd.VolumeID))
	}
	vd.HasVol = true
	vd.VolumeID = vol.ID
	return nil
}

func (g *Graph) virtualDir(fh wire.FH) (*VirtualDir, bool) {
	g.vdMu.Lock()
	defer g.vdMu.Unlock()
	vd, ok := g.vdByFH[fh]
	return vd, ok
}

// virtualAttr is the fabricated attribute set every virtual directory
// reports; the virtual tree has no backing storage, so the values are
// constant apart from the clock-derived timestamps.
func (g *Graph) virtualAttr() Attr {
	now := g.Clock.Now()
	return Attr{Mode: ModeDir | 0o555, Nlink: 2, Atime: now, Mtime: now, Ctime: now}
}

// mountedRoot resolves a vd with a mounted volume to that volume's root
// fh and attributes, bumping the root internal_fh's lookup count the same
// way a real lookup does (the caller's later FORGET balances it).
func (g *Graph) mountedRoot(ctx context.Context, vd *VirtualDir) (wire.FH, Attr, error) {
	vol, ok := g.volume(vd.VolumeID)
	if !ok {
		return wire.FH{}, Attr{}, zfserr.New("mountedRoot", zfserr.STALE,
			fmt.Errorf("virtual dir %q mounts unknown volume %d", vd.Name, vd.VolumeID))
	}
	f, err := g.resolveFH(ctx, vol.RootFH)
	if err != nil {
		return wire.FH{}, Attr{}, err
	}
	f.Mu.Lock()
	f.LookupCount++
	attr := f.Attr
	f.Mu.Unlock()
	return vol.RootFH, attr, nil
}

// lookupVirtual resolves one name within a virtual directory: a child with
// a mounted volume resolves to that volume's root, a bare child to its own
// fabricated fh.
func (g *Graph) lookupVirtual(ctx context.Context, dirFH wire.FH, name string) (wire.FH, Attr, error) {
	ctx, err := lockorder.Push(ctx, lockorder.VDMutex)
	if err != nil {
		return wire.FH{}, Attr{}, err
	}
	defer lockorder.Pop(ctx)

	vd, ok := g.virtualDir(dirFH)
	if !ok {
		return wire.FH{}, Attr{}, zfserr.New("Lookup", zfserr.STALE,
			fmt.Errorf("virtual fh %s not in vd table", dirFH))
	}

	g.vdMu.Lock()
	child, ok := vd.Children[name]
	hasVol, volID := vd.HasVol, vd.VolumeID
	g.vdMu.Unlock()
	if !ok {
		// A vd that itself mounts a volume exposes the volume root's real
		// directory entries alongside any deeper virtual children.
		if hasVol {
			if vol, found := g.volume(volID); found {
				return g.Lookup(ctx, vol.RootFH, name)
			}
		}
		return wire.FH{}, Attr{}, zfserr.New("Lookup", zfserr.ENOENT,
			fmt.Errorf("no virtual entry %q", name))
	}
	if child.HasVol {
		return g.mountedRoot(ctx, child)
	}
	return child.FH, g.virtualAttr(), nil
}

// readdirVirtual lists a virtual directory's children in name order, with
// cookies numbered by position the same way a local readdir numbers its
// sorted entries.
func (g *Graph) readdirVirtual(vd *VirtualDir, cookie int64, count int) ([]DirEntry, bool) {
	g.vdMu.Lock()
	names := make([]string, 0, len(vd.Children))
	for name := range vd.Children {
		names = append(names, name)
	}
	g.vdMu.Unlock()
	sort.Strings(names)

	out := make([]DirEntry, 0, count)
	eof := true
	for i, name := range names {
		idx := int64(i)
		if idx <= cookie {
			continue
		}
		if len(out) >= count {
			eof = false
			break
		}
		g.vdMu.Lock()
		child := vd.Children[name]
		g.vdMu.Unlock()
		ino := uint64(child.FH.Ino)
		if child.HasVol {
			if vol, ok := g.volume(child.VolumeID); ok {
				ino = uint64(vol.RootFH.Ino)
			}
		}
		out = append(out, DirEntry{Ino: ino, Cookie: idx, Name: name})
	}
	return out, eof
}
