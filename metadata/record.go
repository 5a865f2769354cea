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

// Package metadata bundles, per local volume, the on-disk hash file of
// metadata records, the master-fh mapping table, and the per-inode
// interval trees, journals and hardlink lists described in
// SPEC_FULL.md §4.F. It is the storage layer a local volume's
// objgraph.Volume consults on every mutating VFS operation.
package metadata

import (
	"github.com/zlomekfs/zfsd/metadata/hashfile"
	"github.com/zlomekfs/zfsd/wire"
)

// Key identifies a local object by the device and inode of the file it is
// backed by on the hosting filesystem.
type Key struct {
	Dev uint32
	Ino uint32
}

// Record is the 56-byte-class metadata record of SPEC_FULL.md §3, the
// value stored in metadata.hash keyed by (dev, ino). Slot status itself
// is tracked by the hashfile package, not by this struct.
type Record struct {
	Dev           uint32
	Ino           uint32
	MasterFH      wire.FH
	Gen           uint32
	LocalVersion  uint64
	MasterVersion uint64
	Flags         uint32
	ModeType      uint32
	UID           uint32
	GID           uint32
}

// Metadata flag bits, the durable half of SPEC_FULL.md §3's internal_fh
// flag set. FlagMetadataComplete is set once a record's full fields are
// populated (a base-only reservation leaves it clear, and such a record's
// generation is not trusted); FlagMetadataModified marks a record whose
// local state has diverged from the master pending reconciliation. The
// transient UPDATE_IN_PROGRESS bit is never persisted and lives on
// objgraph's InternalFH instead.
const (
	FlagMetadataComplete uint32 = 1 << 0
	FlagMetadataModified uint32 = 1 << 1
)

// recordCodec implements hashfile.Codec[Key, Record]. The base prefix
// covers the identity fields (dev, ino, master_fh): enough to reserve a
// slot via a base_only insert before the record's versioning fields are
// known.
type recordCodec struct{}

const (
	recordBaseSize = 4 + 4 + wire.FHSize // dev + ino + master_fh
	recordSize     = recordBaseSize + 4 + 8 + 8 + 4 + 4 + 4 + 4
)

func (recordCodec) Size() int     { return recordSize }
func (recordCodec) BaseSize() int { return recordBaseSize }

func (recordCodec) Hash(k Key) uint64 {
	return fnv64(uint64(k.Dev))*1099511628211 ^ fnv64(uint64(k.Ino))
}

func (recordCodec) KeyOf(v Record) Key { return Key{Dev: v.Dev, Ino: v.Ino} }

func (recordCodec) Encode(v Record, baseOnly bool, dst []byte) {
	putU32(dst[0:4], v.Dev)
	putU32(dst[4:8], v.Ino)
	putFH(dst[8:8+wire.FHSize], v.MasterFH)
	if baseOnly {
		return
	}
	off := recordBaseSize
	putU32(dst[off:off+4], v.Gen)
	off += 4
	putU64(dst[off:off+8], v.LocalVersion)
	off += 8
	putU64(dst[off:off+8], v.MasterVersion)
	off += 8
	putU32(dst[off:off+4], v.Flags)
	off += 4
	putU32(dst[off:off+4], v.ModeType)
	off += 4
	putU32(dst[off:off+4], v.UID)
	off += 4
	putU32(dst[off:off+4], v.GID)
}

func (recordCodec) Decode(src []byte) Record {
	var v Record
	v.Dev = getU32(src[0:4])
	v.Ino = getU32(src[4:8])
	v.MasterFH = getFH(src[8 : 8+wire.FHSize])
	off := recordBaseSize
	v.Gen = getU32(src[off : off+4])
	off += 4
	v.LocalVersion = getU64(src[off : off+8])
	off += 8
	v.MasterVersion = getU64(src[off : off+8])
	off += 8
	v.Flags = getU32(src[off : off+4])
	off += 4
	v.ModeType = getU32(src[off : off+4])
	off += 4
	v.UID = getU32(src[off : off+4])
	off += 4
	v.GID = getU32(src[off : off+4])
	return v
}

// MappingRecord maps a remote (authoritative) file handle to the local
// (dev, ino) pair that caches it, so later references by master_fh
// resolve without a directory walk.
type MappingRecord struct {
	MasterFH wire.FH
	Local    Key
}

type mappingCodec struct{}

const mappingSize = wire.FHSize + 4 + 4

func (mappingCodec) Size() int     { return mappingSize }
func (mappingCodec) BaseSize() int { return mappingSize }

func (mappingCodec) Hash(fh wire.FH) uint64 {
	return fnv64(uint64(fh.SID))*1099511628211 ^
		fnv64(uint64(fh.VID))*16777619 ^
		fnv64(uint64(fh.Dev)) ^
		fnv64(uint64(fh.Ino))*2654435761 ^
		fnv64(uint64(fh.Gen))
}

func (mappingCodec) KeyOf(v MappingRecord) wire.FH { return v.MasterFH }

func (mappingCodec) Encode(v MappingRecord, _ bool, dst []byte) {
	putFH(dst[0:wire.FHSize], v.MasterFH)
	putU32(dst[wire.FHSize:wire.FHSize+4], v.Local.Dev)
	putU32(dst[wire.FHSize+4:wire.FHSize+8], v.Local.Ino)
}

func (mappingCodec) Decode(src []byte) MappingRecord {
	var v MappingRecord
	v.MasterFH = getFH(src[0:wire.FHSize])
	v.Local.Dev = getU32(src[wire.FHSize : wire.FHSize+4])
	v.Local.Ino = getU32(src[wire.FHSize+4 : wire.FHSize+8])
	return v
}

var _ hashfile.Codec[Key, Record] = recordCodec{}
var _ hashfile.Codec[wire.FH, MappingRecord] = mappingCodec{}

func fnv64(x uint64) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < 8; i++ {
		h ^= (x >> (8 * i)) & 0xff
		h *= 1099511628211
	}
	return h
}

func putU32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}

func getU32(src []byte) uint32 {
	return uint32(src[0]) | uint32(src[1])<<8 | uint32(src[2])<<16 | uint32(src[3])<<24
}

func putU64(dst []byte, v uint64) {
	for i := 0; i < 8; i++ {
		dst[i] = byte(v >> (8 * i))
	}
}

func getU64(src []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(src[i]) << (8 * i)
	}
	return v
}

func putFH(dst []byte, fh wire.FH) {
	putU32(dst[0:4], fh.SID)
	putU32(dst[4:8], fh.VID)
	putU32(dst[8:12], fh.Dev)
	putU32(dst[12:16], fh.Ino)
	putU32(dst[16:20], fh.Gen)
}

func getFH(src []byte) wire.FH {
	return wire.FH{
		SID: getU32(src[0:4]),
		VID: getU32(src[4:8]),
		Dev: getU32(src[8:12]),
		Ino: getU32(src[12:16]),
		Gen: getU32(src[16:20]),
	}
}
