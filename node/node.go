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

// Package node is SPEC_FULL.md §3 "node" plus §6 "Identity mapping": one
// object per known peer (this_node included), its connection bookkeeping,
// and the per-peer uid/gid translation tables used by objgraph/vfsops
// before an attribute crosses a node boundary in either direction.
package node

import "sync"

// Node is one known peer, or the local daemon itself when ID equals the
// daemon's own sid.
type Node struct {
	ID              uint32
	Name            string
	HostName        string
	LastConnectUnix int64

	mu       sync.Mutex
	fd       int
	fdGen    uint32            // bumped on every reconnect, per §4.K
	toLocal  map[uint32]uint32 // peer uid/gid -> local uid/gid
	toRemote map[uint32]uint32 // local uid/gid -> peer uid/gid
}

// New builds a node record for id/name/host with empty mapping tables.
func New(id uint32, name, hostName string) *Node {
	return &Node{
		ID:       id,
		Name:     name,
		HostName: hostName,
		fd:       -1,
		toLocal:  make(map[uint32]uint32),
		toRemote: make(map[uint32]uint32),
	}
}

// Generation returns the connection generation bumped on each reconnect;
// callers compare it against one captured at request time to detect an
// intervening reconnect (§4.K "any request carrying a stale generation is
// discarded").
func (n *Node) Generation() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fdGen
}

// SetFD installs a new connection file descriptor and bumps the generation.
func (n *Node) SetFD(fd int) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fd = fd
	n.fdGen++
	return n.fdGen
}

// FD returns the currently installed connection descriptor, or -1 if none.
func (n *Node) FD() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.fd
}

// MapIncoming translates an id carried by a request from this peer into
// the local uid/gid namespace, per §6: an unmapped id falls back to
// defaultID.
func (n *Node) MapIncoming(id, defaultID uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.toLocal[id]; ok {
		return v
	}
	return defaultID
}

// MapOutgoing translates a local id into this peer's namespace before it
// is sent out, per §6: an unmapped id falls back to wildcardID (the zfs
// wildcard id).
func (n *Node) MapOutgoing(id, wildcardID uint32) uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if v, ok := n.toRemote[id]; ok {
		return v
	}
	return wildcardID
}

// SetMapping installs a bidirectional entry mapping localID to/from
// remoteID for this peer.
func (n *Node) SetMapping(localID, remoteID uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toLocal[remoteID] = localID
	n.toRemote[localID] = remoteID
}

// ZFSWildcardID is the "zfs wildcard id" §6 refers to as the outgoing
// fallback for an id with no explicit per-peer mapping.
const ZFSWildcardID uint32 = 0xFFFFFFFF

// Table is the process-wide table of known nodes (§4.H's "node.mutex" is
// each Node's own mu; Table's mutex is a coarser registry lock taken only
// to add/look up a Node, never held across I/O).
type Table struct {
	mu     sync.Mutex
	nodes  map[uint32]*Node
	thisID uint32
	defUID uint32
	defGID uint32
}

// NewTable builds a node table whose local daemon identifies itself as
// thisID, with defUID/defGID used as the incoming-mapping fallback for any
// peer with no explicit entry for a given remote id.
func NewTable(thisID, defUID, defGID uint32) *Table {
	return &Table{nodes: make(map[uint32]*Node), thisID: thisID, defUID: defUID, defGID: defGID}
}

// This returns the local node's own id.
func (t *Table) This() uint32 { return t.thisID }

// Defaults returns the configured default uid/gid used as the incoming
// mapping fallback.
func (t *Table) Defaults() (uid, gid uint32) { return t.defUID, t.defGID }

// Add registers n, replacing any existing entry for the same id.
func (t *Table) Add(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[n.ID] = n
}

// Get looks up a node by id.
func (t *Table) Get(id uint32) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	return n, ok
}

// ByName looks up a node by its negotiated AUTH_STAGE1 name.
func (t *Table) ByName(name string) (*Node, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, n := range t.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// All returns a snapshot of every registered node.
func (t *Table) All() []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}
