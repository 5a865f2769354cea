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

// Package server wires SPEC_FULL.md §4.I's opcode-indexed dispatch table
// (rpc/proto) to the VFS operation surface (vfsops) and the object graph
// (objgraph) it fronts: every opcode in §4.I's list gets a Handler here,
// which the RPC runtime (rpc) runs for peer requests. The kernel channel
// (kernelchan) does not go through these handlers; it calls the same
// vfsops.Ops methods directly.
package server

import (
	"context"
	"crypto/md5"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/objgraph"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/vfsops"
	"github.com/zlomekfs/zfsd/wire"
)

// Server bundles the VFS operation surface and registers every §4.I opcode
// against it.
type Server struct {
	Ops *vfsops.Ops
}

// New builds a Server dispatching onto ops.
func New(ops *vfsops.Ops) *Server {
	return &Server{Ops: ops}
}

// Register binds every data-plane opcode's Handler into t, in addition to
// the NULL/PING/AUTH_STAGE1/AUTH_STAGE2 handlers proto.RegisterCore already
// installs.
func (s *Server) Register(t *proto.Table) {
	proto.RegisterCore(t)

	t.Register(proto.ROOT, wire.FHSize, s.handleRoot)
	t.Register(proto.VOLUME_ROOT, wire.FHSize, s.handleVolumeRoot)
	t.Register(proto.GETATTR, attrWireSize, s.handleGetattr)
	t.Register(proto.SETATTR, attrWireSize, s.handleSetattr)
	t.Register(proto.LOOKUP, wire.FHSize+attrWireSize, s.handleLookup)
	t.Register(proto.CREATE, wire.FHSize+4+wire.VerifyLen+wire.FHSize+attrWireSize, s.handleCreate)
	t.Register(proto.OPEN, wire.FHSize+4+wire.VerifyLen, s.handleOpen)
	t.Register(proto.CLOSE, 0, s.handleClose)
	t.Register(proto.READDIR, 4+maxReaddirEntries*(8+8+8+wire.MaxName+5)+1, s.handleReaddir)
	t.Register(proto.MKDIR, wire.FHSize+attrWireSize, s.handleMkdir)
	t.Register(proto.RMDIR, 0, s.handleRmdir)
	t.Register(proto.MKNOD, wire.FHSize+attrWireSize, s.handleMknod)
	t.Register(proto.LINK, 0, s.handleLink)
	t.Register(proto.UNLINK, 0, s.handleUnlink)
	t.Register(proto.SYMLINK, wire.FHSize+attrWireSize, s.handleSymlink)
	t.Register(proto.READLINK, wire.MaxPath+5, s.handleReadlink)
	t.Register(proto.RENAME, 0, s.handleRename)
	t.Register(proto.READ, wire.MaxData+4, s.handleRead)
	t.Register(proto.WRITE, 4, s.handleWrite)
	t.Register(proto.MD5SUM, 4+wire.MaxMD5Chunks*wire.MD5Size, s.handleMD5Sum)
	t.Register(proto.FILE_INFO, attrWireSize+wire.MaxPath+5, s.handleFileInfo)
	t.Register(proto.FORGET, 0, s.handleForget)
}

// maxReaddirEntries bounds one READDIR reply to a single page; a remote
// readdir fetches one page per RPC (§4.M) and continues from the last
// cookie it saw.
const maxReaddirEntries = 64

func (s *Server) handleRoot(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	// The virtual root's fh is the fixed (sid=0, vid=0) value per §3.
	if err := reply.PutFH(wire.FH{}); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleVolumeRoot(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	vid, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	vol, ok := s.Ops.Graph.VolumeByID(vid)
	if !ok {
		return zfserr.ENOENT
	}
	if err := reply.PutFH(vol.RootFH); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleGetattr(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, zerr := s.Ops.Getattr(ctx, fh)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := putAttr(reply, attr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleSetattr(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	mask, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, err := getAttr(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	out, zerr := s.Ops.Setattr(ctx, fh, attr, mask)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := putAttr(reply, out); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleLookup(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if name == "" || len(name) > wire.MaxName {
		return zfserr.ENAMETOOLONG
	}
	fh, attr, zerr := s.Ops.Lookup(ctx, dir, name)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutFH(fh); err != nil {
		return zfserr.EIO
	}
	if err := putAttr(reply, attr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleCreate(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	flags, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, err := getAttr(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	cap, fh, outAttr, zerr := s.Ops.Create(ctx, dir, name, flags, attr)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutCap(wire.Cap(cap)); err != nil {
		return zfserr.EIO
	}
	if err := reply.PutFH(fh); err != nil {
		return zfserr.EIO
	}
	if err := putAttr(reply, outAttr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleOpen(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	flags, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	cap, zerr := s.Ops.Open(ctx, fh, flags)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutCap(wire.Cap(cap)); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleClose(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	cap, err := args.GetCap()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	ocap := objgraph.Cap{FH: cap.FH, Flags: cap.Flags, Verify: cap.Verify}
	if zerr := s.Ops.Close(ctx, ocap); zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	return zfserr.OK
}

func (s *Server) handleReaddir(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	cap, err := args.GetCap()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	cookie, err := args.GetU64()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	count, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if count > maxReaddirEntries {
		count = maxReaddirEntries
	}
	ocap := objgraph.Cap{FH: cap.FH, Flags: cap.Flags, Verify: cap.Verify}
	entries, eof, zerr := s.Ops.Readdir(ctx, ocap, int64(cookie), int(count))
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutU32(uint32(len(entries))); err != nil {
		return zfserr.EIO
	}
	for _, e := range entries {
		if err := reply.PutU64(e.Ino); err != nil {
			return zfserr.EIO
		}
		if err := reply.PutU64(uint64(e.Cookie)); err != nil {
			return zfserr.EIO
		}
		if err := reply.PutName(e.Name); err != nil {
			return zfserr.EIO
		}
	}
	eofByte := uint8(0)
	if eof {
		eofByte = 1
	}
	if err := reply.PutU8(eofByte); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleMkdir(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, err := getAttr(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	fh, outAttr, zerr := s.Ops.Mkdir(ctx, dir, name, attr)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutFH(fh); err != nil {
		return zfserr.EIO
	}
	if err := putAttr(reply, outAttr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleRmdir(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if zerr := s.Ops.Rmdir(ctx, dir, name); zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	return zfserr.OK
}

func (s *Server) handleMknod(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	mode, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	rdev, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, err := getAttr(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	fh, outAttr, zerr := s.Ops.Mknod(ctx, dir, name, mode, rdev, attr)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutFH(fh); err != nil {
		return zfserr.EIO
	}
	if err := putAttr(reply, outAttr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleLink(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	newDir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	newName, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if zerr := s.Ops.Link(ctx, fh, newDir, newName); zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	return zfserr.OK
}

func (s *Server) handleUnlink(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if zerr := s.Ops.Unlink(ctx, dir, name); zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	return zfserr.OK
}

func (s *Server) handleSymlink(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	dir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	name, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	target, err := args.GetPath()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, err := getAttr(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	fh, outAttr, zerr := s.Ops.Symlink(ctx, dir, name, target, attr)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutFH(fh); err != nil {
		return zfserr.EIO
	}
	if err := putAttr(reply, outAttr); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleReadlink(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	target, zerr := s.Ops.Readlink(ctx, fh)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutPath(target); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleRename(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	oldDir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	oldName, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	newDir, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	newName, err := args.GetName()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	if zerr := s.Ops.Rename(ctx, oldDir, oldName, newDir, newName); zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	return zfserr.OK
}

func (s *Server) handleRead(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	cap, err := args.GetCap()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	off, err := args.GetU64()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	count, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	ocap := objgraph.Cap{FH: cap.FH, Flags: cap.Flags, Verify: cap.Verify}
	data, zerr := s.Ops.Read(ctx, ocap, int64(off), int(count))
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := putBulk(reply, data); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleWrite(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	cap, err := args.GetCap()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	off, err := args.GetU64()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	data, err := getBulk(args)
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	ocap := objgraph.Cap{FH: cap.FH, Flags: cap.Flags, Verify: cap.Verify}
	n, zerr := s.Ops.Write(ctx, ocap, int64(off), data)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := reply.PutU32(uint32(n)); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

// handleMD5Sum computes the MD5 digest of up to MaxMD5Chunks whole-file
// chunks of fh's content, reusing Read rather than a separate disk path so
// the digest reflects exactly what a client Read would observe.
func (s *Server) handleMD5Sum(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, zerr := s.Ops.Getattr(ctx, fh)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	cap, zerr := s.Ops.Open(ctx, fh, 0)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	defer s.Ops.Close(ctx, cap)

	chunkSize := uint64(wire.MaxData)
	nChunks := (attr.Size + chunkSize - 1) / chunkSize
	if nChunks == 0 {
		nChunks = 1
	}
	if nChunks > wire.MaxMD5Chunks {
		nChunks = wire.MaxMD5Chunks
	}
	if err := reply.PutU32(uint32(nChunks)); err != nil {
		return zfserr.EIO
	}
	for i := uint64(0); i < nChunks; i++ {
		off := int64(i * chunkSize)
		data, zerr := s.Ops.Read(ctx, cap, off, int(chunkSize))
		if zerr != nil {
			return zfserr.CodeOf(zerr)
		}
		sum := md5.Sum(data)
		if err := reply.PutBytes(sum[:], wire.MD5Size); err != nil {
			return zfserr.EIO
		}
	}
	return zfserr.OK
}

func (s *Server) handleFileInfo(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	attr, zerr := s.Ops.Getattr(ctx, fh)
	if zerr != nil {
		return zfserr.CodeOf(zerr)
	}
	if err := putAttr(reply, attr); err != nil {
		return zfserr.EIO
	}
	vol, ok := s.Ops.Graph.VolumeByID(fh.VID)
	path := ""
	if ok {
		path = vol.Name
	}
	if err := reply.PutPath(path); err != nil {
		return zfserr.EIO
	}
	return zfserr.OK
}

func (s *Server) handleForget(ctx context.Context, peer *proto.PeerState, req proto.RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
	fh, err := args.GetFH()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	n, err := args.GetU32()
	if err != nil {
		return zfserr.INVALID_REPLY
	}
	// FORGET is fire-and-forget (§4.I); any error here has no reply to
	// carry it, so it is swallowed after the attempt.
	_ = s.Ops.Forget(ctx, fh, int(n))
	return zfserr.OK
}
