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

package hashfile

// Codec describes how a Table marshals a particular record type and
// derives its hash-table key from it. K is typically a small comparable
// struct (e.g. a (dev, ino) pair); V is the full on-disk record type.
type Codec[K comparable, V any] interface {
	// Size is the fixed, constant-per-file width in bytes of an encoded
	// element, not counting the slot_status prefix.
	Size() int

	// BaseSize is the width of the "base" prefix written by a base_only
	// insert: enough to reserve the slot and record its key, leaving
	// versioning fields to be filled in later by a full Insert.
	BaseSize() int

	// Hash returns the probe seed for key.
	Hash(key K) uint64

	// KeyOf extracts the lookup key from a full record.
	KeyOf(v V) K

	// Encode writes v into dst, which has length Size(). If baseOnly is
	// true, only the first BaseSize() bytes are meaningful and the rest of
	// dst must be left as the caller provided it (typically zeroed).
	Encode(v V, baseOnly bool, dst []byte)

	// Decode reconstructs a record from a Size()-byte slot payload.
	Decode(src []byte) V
}
