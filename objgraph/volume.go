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
	"fmt"
	"sync"
	"syscall"

	"github.com/zlomekfs/zfsd/metadata"
	"github.com/zlomekfs/zfsd/wire"
)

// Volume is one local, disk-backed zfsd volume: a real directory tree at
// LocalPath plus the metadata store tracking zfsd's bookkeeping on top of
// it. MasterNode names the node holding the authoritative copy; when that
// is another node, RemoteMaster is set and the local tree is a cache of the
// master's copy (see Graph.Read).
type Volume struct {
	Mu sync.Mutex // §4.H level 4, "volume.mutex"

	ID         uint32
	Name       string
	LocalPath  string
	MasterNode string

	// RemoteMaster marks a volume whose authoritative copy lives on
	// MasterNode rather than this node. The local tree is a cache: reads
	// of ranges the updated interval tree covers are served from disk,
	// anything else upcalls the master through Graph.Upcall.
	RemoteMaster bool

	Store   *metadata.Store
	RootFH  wire.FH
	RootKey metadata.Key
}

// OpenVolume opens (or initializes) the metadata store rooted at localPath
// and computes the volume's root file handle from the real directory's
// device/inode, the way a local zfsd volume is identified by the backing
// filesystem object it mirrors.
func OpenVolume(sid, id uint32, name, localPath, masterNode string) (*Volume, error) {
	store, err := metadata.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("objgraph: open volume %s: %w", name, err)
	}

	var st syscall.Stat_t
	if err := syscall.Stat(localPath, &st); err != nil {
		store.Close()
		return nil, fmt.Errorf("objgraph: stat volume root %s: %w", localPath, err)
	}

	rootKey := metadata.Key{Dev: uint32(st.Dev), Ino: uint32(st.Ino)}
	root := wire.FH{SID: sid, VID: id, Dev: rootKey.Dev, Ino: rootKey.Ino, Gen: 1}
	return &Volume{
		ID:         id,
		Name:       name,
		LocalPath:  localPath,
		MasterNode: masterNode,
		Store:      store,
		RootFH:     root,
		RootKey:    rootKey,
	}, nil
}

// Close closes the volume's metadata store.
func (v *Volume) Close() error {
	return v.Store.Close()
}

// IsRemote reports whether this volume mirrors a remote master rather than
// being hosted here: a volume is local iff it has a backing local path,
// regardless of which node name its master field carries.
func (v *Volume) IsRemote() bool {
	return v.LocalPath == ""
}
