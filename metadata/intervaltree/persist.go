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

package intervaltree

import (
	"encoding/binary"
	"fmt"
	"io"
)

// IntervalCount is the number of (start,end) pairs written or read per I/O
// operation when persisting a tree, per SPEC_FULL.md §4.C.
const IntervalCount = 1024

const pairSize = 16 // two little-endian u64 fields

// Save writes the tree as a flat little-endian array of (start,end) pairs
// in ascending start order, batched IntervalCount pairs per Write call.
func (t *Tree) Save(w io.Writer) error {
	all := t.All()
	buf := make([]byte, 0, IntervalCount*pairSize)
	for i := 0; i < len(all); i += IntervalCount {
		end := i + IntervalCount
		if end > len(all) {
			end = len(all)
		}
		buf = buf[:0]
		for _, iv := range all[i:end] {
			var pair [pairSize]byte
			binary.LittleEndian.PutUint64(pair[0:8], iv.Start)
			binary.LittleEndian.PutUint64(pair[8:16], iv.End)
			buf = append(buf, pair[:]...)
		}
		if _, err := w.Write(buf); err != nil {
			return fmt.Errorf("intervaltree: save: %w", err)
		}
	}
	return nil
}

// Load replaces the tree's contents with the (start,end) pairs read from
// r, which must have been produced by Save (or be empty). Pairs are
// expected to already be disjoint and in ascending order; Load inserts
// them via Insert so that any accidental adjacency still collapses.
func Load(r io.Reader) (*Tree, error) {
	t := New()
	buf := make([]byte, IntervalCount*pairSize)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if n%pairSize != 0 {
				return nil, fmt.Errorf("intervaltree: load: truncated pair (%d bytes)", n)
			}
			for off := 0; off < n; off += pairSize {
				start := binary.LittleEndian.Uint64(buf[off : off+8])
				end := binary.LittleEndian.Uint64(buf[off+8 : off+16])
				t.Insert(start, end)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("intervaltree: load: %w", err)
		}
		if n < len(buf) {
			break
		}
	}
	return t, nil
}
