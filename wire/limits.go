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

// Package wire implements zfsd's binary wire protocol: a little-endian,
// aligned, length-prefixed framed encoding shared by the kernel channel and
// peer RPC connections.
package wire

// Fixed protocol limits. Every implementation must agree on these; they are
// part of the wire format, not configuration.
const (
	// MaxData is the maximum size of a bulk data buffer carried in a single
	// READ/WRITE frame.
	MaxData = 262144

	// MaxPath is the maximum length, in bytes, of an encoded path string.
	MaxPath = 4096

	// MaxName is the maximum length, in bytes, of a single path component.
	MaxName = 255

	// MaxNode is the maximum length, in bytes, of a node name.
	MaxNode = 256

	// MaxMD5Chunks bounds the number of chunk digests in an MD5SUM reply.
	MaxMD5Chunks = 256

	// MD5Size is the width, in bytes, of an MD5 digest.
	MD5Size = 16

	// VerifyLen is the width, in bytes, of a capability's verify token.
	VerifyLen = 16

	// FHSize is the encoded width, in bytes, of a zfs_fh value.
	FHSize = 20

	// envelopeHeaderSize is the size of the u32 length field that begins
	// every frame; it is included in, not added to, Length.
	envelopeHeaderSize = 4
)
