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

// Package proto is the protocol engine of SPEC_FULL.md §4.I: request/reply
// envelopes built on the wire package's framing, the closed opcode set, and
// the opcode-indexed dispatch table through which the RPC runtime runs peer
// requests. The kernel channel does not use this table; it calls vfsops
// directly, the same operation surface the table's handlers call.
package proto

import "fmt"

// Opcode identifies the operation carried by a request envelope.
type Opcode uint32

const (
	NULL Opcode = iota
	PING
	ROOT
	VOLUME_ROOT
	GETATTR
	SETATTR
	LOOKUP
	CREATE
	OPEN
	CLOSE
	READDIR
	MKDIR
	RMDIR
	MKNOD
	LINK
	UNLINK
	SYMLINK
	READLINK
	RENAME
	READ
	WRITE
	MD5SUM
	FILE_INFO
	AUTH_STAGE1
	AUTH_STAGE2
	FORGET

	opcodeCount
)

var opcodeNames = map[Opcode]string{
	NULL:        "NULL",
	PING:        "PING",
	ROOT:        "ROOT",
	VOLUME_ROOT: "VOLUME_ROOT",
	GETATTR:     "GETATTR",
	SETATTR:     "SETATTR",
	LOOKUP:      "LOOKUP",
	CREATE:      "CREATE",
	OPEN:        "OPEN",
	CLOSE:       "CLOSE",
	READDIR:     "READDIR",
	MKDIR:       "MKDIR",
	RMDIR:       "RMDIR",
	MKNOD:       "MKNOD",
	LINK:        "LINK",
	UNLINK:      "UNLINK",
	SYMLINK:     "SYMLINK",
	READLINK:    "READLINK",
	RENAME:      "RENAME",
	READ:        "READ",
	WRITE:       "WRITE",
	MD5SUM:      "MD5SUM",
	FILE_INFO:   "FILE_INFO",
	AUTH_STAGE1: "AUTH_STAGE1",
	AUTH_STAGE2: "AUTH_STAGE2",
	FORGET:      "FORGET",
}

func (o Opcode) String() string {
	if s, ok := opcodeNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

// Valid reports whether o is a recognized opcode. Anything else gets
// ZFS_ENOSYS per §4.I's "unknown opcodes reply ZFS_ENOSYS" rule.
func (o Opcode) Valid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// isFireAndForget reports whether op expects no reply at all, the way a
// FORGET is defined in §4.I ("a forget ... is a fire-and-forget op").
func (o Opcode) isFireAndForget() bool {
	return o == FORGET
}

// requiresAuth reports whether op may only be dispatched once two-stage
// auth (§4.I) has completed on the peer.
func (o Opcode) requiresAuth() bool {
	switch o {
	case NULL, PING, AUTH_STAGE1, AUTH_STAGE2:
		return false
	default:
		return true
	}
}
