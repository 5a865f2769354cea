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

// Package objgraph is the in-memory object graph of SPEC_FULL.md §4.G: the
// fh_table/dentry_table/vd_table indices, the internal_fh and
// internal_dentry types, capability issuance, and the per-object
// operations the VFS layer (vfsops) and protocol engine dispatch into.
package objgraph

import (
	"sync"
	"time"

	"github.com/jacobsa/syncutil"

	"github.com/zlomekfs/zfsd/metadata"
	"github.com/zlomekfs/zfsd/wire"
)

// Mode bits for Attr.Mode, POSIX-compatible (file type in the high bits,
// permission bits in the low twelve).
const (
	ModeTypeMask = 0o170000
	ModeDir      = 0o040000
	ModeRegular  = 0o100000
	ModeSymlink  = 0o120000
)

// Attr is the subset of POSIX stat(2) fields zfsd tracks and caches,
// mirrored both in memory (InternalFH.Attr) and in the metadata record.
type Attr struct {
	Mode  uint32
	Size  uint64
	UID   uint32
	GID   uint32
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// Cap is the capability issued by Open/Create and required by
// Read/Write/Readdir/Close, per SPEC_FULL.md §4.G.
type Cap struct {
	FH     wire.FH
	Flags  uint32
	Verify [wire.VerifyLen]byte
}

// InternalFH is the per-file-handle node of the object graph: a live
// reference to one (volume, local object) pair, guarded by its own
// InvariantMutex per §4.H level 5, the way fs/inode/file.go guards a
// FileInode with its own syncutil.InvariantMutex.
type InternalFH struct {
	Mu syncutil.InvariantMutex

	FH          wire.FH
	Volume      *Volume
	Local       metadata.Key
	Path        string
	LookupCount int32
	Open        bool
	Attr        Attr

	// UpdateInProgress is the transient invariant flag: set while a
	// master fetch is writing its result through to the local cache, so
	// a second concurrent reader does not start a competing write-back.
	// Never persisted; the durable METADATA_COMPLETE/METADATA_MODIFIED
	// bits live in the metadata record.
	UpdateInProgress bool
}

func (f *InternalFH) checkInvariants() {
	if f.LookupCount < 0 {
		panic("objgraph: internal_fh lookup count went negative")
	}
}

func newInternalFH(fh wire.FH, vol *Volume, local metadata.Key, path string, attr Attr) *InternalFH {
	f := &InternalFH{FH: fh, Volume: vol, Local: local, Path: path, Attr: attr}
	f.Mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f
}

// InternalDentry is the per-(parent, name) node of the object graph: a
// cached name resolution with a revalidation deadline, guarded by its own
// mutex per §4.H level 6.
type InternalDentry struct {
	Mu sync.Mutex

	Parent       wire.FH
	Name         string
	Child        wire.FH
	ValidUntil   time.Time
	Disconnected bool
}

func (d *InternalDentry) expired(now time.Time) bool {
	return now.After(d.ValidUntil)
}

type dentryKey struct {
	Parent wire.FH
	Name   string
}

// VirtualDir is a node of the static union namespace presented above
// individual volumes (e.g. a root directory whose children are each
// volume's mountpoint name), per §4.G's vd_table. Its FH is fabricated
// with sid=vid=0; the virtual tree is fully in memory and the only cycle
// it may contain is the root's self-parent.
type VirtualDir struct {
	FH       wire.FH
	Name     string
	Parent   *VirtualDir
	VolumeID uint32
	HasVol   bool
	Children map[string]*VirtualDir
}

// DirEntry is one entry returned by Readdir.
type DirEntry struct {
	Ino    uint64
	Cookie int64
	Name   string
}

type capEntry struct {
	flags  uint32
	verify [wire.VerifyLen]byte
}
