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

// Package hashfile implements the open-addressed, linear-probed on-disk
// hash table described in SPEC_FULL.md §4.B: a header followed by a flat
// array of fixed-size slots, each prefixed by a slot_status tag, with lazy
// grow/shrink/compact rehashing performed in place before every mutation.
package hashfile

// SlotStatus is the three-valued tag prefixing every record in a hash
// file.
type SlotStatus uint32

const (
	// StatusEmpty marks a slot that has never held a value.
	StatusEmpty SlotStatus = 0
	// StatusDeleted marks a tombstone: a slot whose value was removed but
	// that must still be traversed by Lookup.
	StatusDeleted SlotStatus = 1
	// StatusValid marks a slot holding a live value.
	StatusValid SlotStatus = 2
)

// headerSize is fixed per SPEC_FULL.md §6: n_elements:u32, n_deleted:u32,
// pad:[u8;8].
const headerSize = 16

// slotStatusSize is the width of the slot_status prefix on every slot.
const slotStatusSize = 4
