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

// Package kernelchan is SPEC_FULL.md §4.L: the kernel channel carrying
// filesystem requests between the kernel and the daemon. FUSE requests do
// not use the daemon's own wire frames or opcodes (§4.A/§4.I). Per spec.md §9's closing
// note ("a compliant rewrite MAY expose a different adapter ... provided
// the message framing and opcodes in §6 are preserved"), this adapter is
// github.com/jacobsa/fuse's mount/connection machinery — the teacher's own
// direct dependency for exactly this role — rather than a reimplementation
// of a legacy ioctl-based character device. kernelchan.FileSystem satisfies
// fuseutil.FileSystem and translates every callback into the identical
// vfsops.Ops calls the RPC runtime's handlers (server) make, so a FUSE
// request and a peer RPC request reach the same operation surface.
package kernelchan

import (
	"context"
	"os"
	"sync"

	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/objgraph"
	"github.com/zlomekfs/zfsd/vfsops"
	"github.com/zlomekfs/zfsd/wire"
)

// FileSystem adapts vfsops.Ops to fuseutil.FileSystem, maintaining the
// fuseops.InodeID <-> wire.FH mapping the kernel's 64-bit inode numbers
// require but zfsd's own object graph does not (it is keyed by the
// 20-byte zfs_fh directly). This mapping is kernelchan-local state: it is
// not shared with rpc's peer-facing side, which speaks zfs_fh natively.
type FileSystem struct {
	fuseutil.NotImplementedFileSystem

	ops *vfsops.Ops
	sid uint32

	mu      sync.Mutex
	byInode map[fuseops.InodeID]wire.FH
	byFH    map[wire.FH]fuseops.InodeID
	nextID  fuseops.InodeID

	handlesMu  sync.Mutex
	handles    map[fuseops.HandleID]*handle
	nextHandle fuseops.HandleID
}

type handle struct {
	cap   objgraph.Cap
	isDir bool
}

// New builds a kernelchan.FileSystem rooting the kernel's fixed
// fuseops.RootInodeID at rootFH (the daemon's configured default/virtual
// volume root), dispatching every op through ops.
func New(ops *vfsops.Ops, sid uint32, rootFH wire.FH) *FileSystem {
	fs := &FileSystem{
		ops:     ops,
		sid:     sid,
		byInode: make(map[fuseops.InodeID]wire.FH),
		byFH:    make(map[wire.FH]fuseops.InodeID),
		nextID:  fuseops.RootInodeID + 1,
		handles: make(map[fuseops.HandleID]*handle),
	}
	fs.byInode[fuseops.RootInodeID] = rootFH
	fs.byFH[rootFH] = fuseops.RootInodeID
	return fs
}

// Mount mounts fs at dir using jacobsa/fuse, blocking until the mount is
// unmounted or ctx is cancelled.
func Mount(ctx context.Context, dir string, fs *FileSystem, readOnly bool) error {
	cfg := &fuse.MountConfig{
		ReadOnly:    readOnly,
		FSName:      "zfsd",
		ErrorLogger: nil,
	}
	mfs, err := fuse.Mount(dir, fuseutil.NewFileSystemServer(fs), cfg)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = fuse.Unmount(dir)
	}()
	return mfs.Join(ctx)
}

func (fs *FileSystem) inodeFor(fh wire.FH) fuseops.InodeID {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if id, ok := fs.byFH[fh]; ok {
		return id
	}
	id := fs.nextID
	fs.nextID++
	fs.byInode[id] = fh
	fs.byFH[fh] = id
	return id
}

func (fs *FileSystem) fhFor(id fuseops.InodeID) (wire.FH, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fh, ok := fs.byInode[id]
	return fh, ok
}

func (fs *FileSystem) forget(id fuseops.InodeID) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fh, ok := fs.byInode[id]; ok {
		delete(fs.byInode, id)
		delete(fs.byFH, fh)
	}
}

func toErrno(err error) error {
	if err == nil {
		return nil
	}
	switch zfserr.CodeOf(err) {
	case zfserr.ENOENT:
		return fuse.ENOENT
	case zfserr.EEXIST:
		return fuse.EEXIST
	case zfserr.EACCES:
		return syscall.EACCES
	case zfserr.EINVAL:
		return fuse.EINVAL
	case zfserr.ENOSYS, zfserr.EOPNOTSUPP:
		return fuse.ENOSYS
	default:
		return fuse.EIO
	}
}

func toAttr(a objgraph.Attr, inode fuseops.InodeID) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: a.Nlink,
		Mode:  os.FileMode(a.Mode),
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Uid:   a.UID,
		Gid:   a.GID,
	}
}

// fromFuseMode narrows a FUSE os.FileMode (which carries Go's own type
// bits in the high word, not POSIX's) down to the permission bits zfsd's
// Attr.Mode stores; callers needing the POSIX type bits OR in
// objgraph.ModeDir/ModeRegular/ModeSymlink themselves.
func fromFuseMode(m os.FileMode) uint32 { return uint32(m.Perm()) }

func (fs *FileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	op.BlockSize = 4096
	op.Blocks = 1 << 30
	op.BlocksFree = 1 << 29
	op.BlocksAvailable = 1 << 29
	op.Inodes = 1 << 20
	op.InodesFree = 1 << 19
	return nil
}

func (fs *FileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childFH, attr, err := fs.ops.Lookup(ctx, dirFH, op.Name)
	if err != nil {
		return toErrno(err)
	}
	id := fs.inodeFor(childFH)
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(attr, id)
	return nil
}

func (fs *FileSystem) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	attr, err := fs.ops.Getattr(ctx, fh)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttr(attr, op.Inode)
	return nil
}

func (fs *FileSystem) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	// objgraph.Setattr's mask, like the teacher's own SetInodeAttributes,
	// only knows mode/uid/gid/size; atime/mtime changes are not settable
	// (a zfsd file's timestamps are derived from the backing stat, the
	// same limitation the teacher documents for GCS objects).
	var attr objgraph.Attr
	var mask uint32
	if op.Size != nil {
		attr.Size = *op.Size
		mask |= attrSize
	}
	if op.Mode != nil {
		attr.Mode = fromFuseMode(*op.Mode)
		mask |= attrMode
	}
	out, err := fs.ops.Setattr(ctx, fh, attr, mask)
	if err != nil {
		return toErrno(err)
	}
	op.Attributes = toAttr(out, op.Inode)
	return nil
}

// Attribute-mask bits, matching objgraph.Graph.Setattr's ValidMode/
// ValidUID/ValidGID/ValidSize constants exactly (that function's own enum
// is unexported, so kernelchan and server both redeclare the same bit
// layout rather than depending on objgraph internals).
const (
	attrMode uint32 = 1 << iota
	attrUID
	attrGID
	attrSize
)

func (fs *FileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return nil
	}
	err := fs.ops.Forget(ctx, fh, int(op.N))
	fs.forget(op.Inode)
	return toErrno(err)
}

func (fs *FileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	attr := objgraph.Attr{Mode: objgraph.ModeDir | fromFuseMode(op.Mode)}
	childFH, out, err := fs.ops.Mkdir(ctx, dirFH, op.Name, attr)
	if err != nil {
		return toErrno(err)
	}
	id := fs.inodeFor(childFH)
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(out, id)
	return nil
}

func (fs *FileSystem) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	attr := objgraph.Attr{Mode: fromFuseMode(op.Mode)}
	childFH, out, err := fs.ops.Mknod(ctx, dirFH, op.Name, attr.Mode, 0, attr)
	if err != nil {
		return toErrno(err)
	}
	id := fs.inodeFor(childFH)
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(out, id)
	return nil
}

func (fs *FileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	attr := objgraph.Attr{Mode: objgraph.ModeRegular | fromFuseMode(op.Mode)}
	cp, childFH, out, err := fs.ops.Create(ctx, dirFH, op.Name, 0, attr)
	if err != nil {
		return toErrno(err)
	}
	id := fs.inodeFor(childFH)
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(out, id)
	op.Handle = fs.putHandle(&handle{cap: cp})
	return nil
}

func (fs *FileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	childFH, out, err := fs.ops.Symlink(ctx, dirFH, op.Name, op.Target, objgraph.Attr{Mode: objgraph.ModeSymlink | 0o777})
	if err != nil {
		return toErrno(err)
	}
	id := fs.inodeFor(childFH)
	op.Entry.Child = id
	op.Entry.Attributes = toAttr(out, id)
	return nil
}

func (fs *FileSystem) CreateLink(ctx context.Context, op *fuseops.CreateLinkOp) error {
	targetFH, ok := fs.fhFor(op.Target)
	if !ok {
		return fuse.ENOENT
	}
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	if err := fs.ops.Link(ctx, targetFH, dirFH, op.Name); err != nil {
		return toErrno(err)
	}
	attr, err := fs.ops.Getattr(ctx, targetFH)
	if err != nil {
		return toErrno(err)
	}
	op.Entry.Child = op.Target
	op.Entry.Attributes = toAttr(attr, op.Target)
	return nil
}

func (fs *FileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldDir, ok := fs.fhFor(op.OldParent)
	if !ok {
		return fuse.ENOENT
	}
	newDir, ok := fs.fhFor(op.NewParent)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.ops.Rename(ctx, oldDir, op.OldName, newDir, op.NewName))
}

func (fs *FileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.ops.Rmdir(ctx, dirFH, op.Name))
}

func (fs *FileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	dirFH, ok := fs.fhFor(op.Parent)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.ops.Unlink(ctx, dirFH, op.Name))
}

func (fs *FileSystem) putHandle(h *handle) fuseops.HandleID {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	fs.nextHandle++
	id := fs.nextHandle
	fs.handles[id] = h
	return id
}

func (fs *FileSystem) getHandle(id fuseops.HandleID) (*handle, bool) {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	h, ok := fs.handles[id]
	return h, ok
}

func (fs *FileSystem) dropHandle(id fuseops.HandleID) {
	fs.handlesMu.Lock()
	defer fs.handlesMu.Unlock()
	delete(fs.handles, id)
}

func (fs *FileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	cp, err := fs.ops.Open(ctx, fh, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Handle = fs.putHandle(&handle{cap: cp, isDir: true})
	return nil
}

func (fs *FileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	h, ok := fs.getHandle(op.Handle)
	if !ok || !h.isDir {
		return fuse.EINVAL
	}
	// FUSE offsets name the next entry to return; Readdir cookies name the
	// last entry already returned. Shift by one in both directions.
	entries, _, err := fs.ops.Readdir(ctx, h.cap, int64(op.Offset)-1, len(op.Dst))
	if err != nil {
		return toErrno(err)
	}
	n := 0
	for _, e := range entries {
		d := fuseutil.Dirent{
			Offset: fuseops.DirOffset(e.Cookie + 1),
			Inode:  fuseops.InodeID(e.Ino),
			Name:   e.Name,
			Type:   fuseutil.DT_Unknown,
		}
		written := fuseutil.WriteDirent(op.Dst[n:], d)
		if written == 0 {
			break
		}
		n += written
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) ReleaseDirHandle(ctx context.Context, op *fuseops.ReleaseDirHandleOp) error {
	h, ok := fs.getHandle(op.Handle)
	if ok && h.isDir {
		_ = fs.ops.Close(ctx, h.cap)
	}
	fs.dropHandle(op.Handle)
	return nil
}

func (fs *FileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	cp, err := fs.ops.Open(ctx, fh, 0)
	if err != nil {
		return toErrno(err)
	}
	op.Handle = fs.putHandle(&handle{cap: cp})
	return nil
}

func (fs *FileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	h, ok := fs.getHandle(op.Handle)
	if !ok {
		return fuse.EINVAL
	}
	data, err := fs.ops.Read(ctx, h.cap, op.Offset, len(op.Dst))
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (fs *FileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	h, ok := fs.getHandle(op.Handle)
	if !ok {
		return fuse.EINVAL
	}
	_, err := fs.ops.Write(ctx, h.cap, op.Offset, op.Data)
	return toErrno(err)
}

func (fs *FileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	target, err := fs.ops.Readlink(ctx, fh)
	if err != nil {
		return toErrno(err)
	}
	op.Target = target
	return nil
}

func (fs *FileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error { return nil }

func (fs *FileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error { return nil }

func (fs *FileSystem) ReleaseFileHandle(ctx context.Context, op *fuseops.ReleaseFileHandleOp) error {
	h, ok := fs.getHandle(op.Handle)
	if ok && !h.isDir {
		_ = fs.ops.Close(ctx, h.cap)
	}
	fs.dropHandle(op.Handle)
	return nil
}

func (fs *FileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	v, err := fs.ops.Getxattr(ctx, fh, op.Name)
	if err != nil {
		return toErrno(err)
	}
	op.BytesRead = copy(op.Dst, v)
	return nil
}

func (fs *FileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	names, err := fs.ops.Listxattr(ctx, fh)
	if err != nil {
		return toErrno(err)
	}
	n := 0
	for _, name := range names {
		b := append([]byte(name), 0)
		n += copy(op.Dst[n:], b)
	}
	op.BytesRead = n
	return nil
}

func (fs *FileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.ops.Setxattr(ctx, fh, op.Name, op.Value, int(op.Flags)))
}

func (fs *FileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	fh, ok := fs.fhFor(op.Inode)
	if !ok {
		return fuse.ENOENT
	}
	return toErrno(fs.ops.Removexattr(ctx, fh, op.Name))
}

func (fs *FileSystem) Destroy() {}
