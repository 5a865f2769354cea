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

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// ErrFull is returned by Insert if the table is full and no deleted slot
// is available, which should not happen given the grow threshold is
// checked before every insert.
var ErrFull = errors.New("hashfile: table full")

// Table is an open-addressed, linear-probed hash table persisted in a
// regular file, per SPEC_FULL.md §4.B. Every exported method takes the
// Table's own mutex, so one Table may be shared across goroutines.
type Table[K comparable, V any] struct {
	mu sync.Mutex

	path  string
	f     *os.File
	codec Codec[K, V]

	tableSize int
	nElements uint32
	nDeleted  uint32
}

// Open opens the hash file at path, creating it with initialTableSize
// empty slots if it does not exist.
func Open[K comparable, V any](path string, codec Codec[K, V], initialTableSize int) (*Table[K, V], error) {
	if initialTableSize <= 0 {
		initialTableSize = 32
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return nil, fmt.Errorf("hashfile: create %s: %w", path, err)
		}
		t := &Table[K, V]{path: path, f: f, codec: codec, tableSize: initialTableSize}
		if err := t.initEmpty(initialTableSize); err != nil {
			f.Close()
			return nil, err
		}
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hashfile: open %s: %w", path, err)
	}

	t := &Table[K, V]{path: path, f: f, codec: codec}
	if err := t.loadHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Close closes the underlying file.
func (t *Table[K, V]) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.f.Close()
}

// NElements returns the header's n_elements counter. Delete does not lower
// it (it raises n_deleted instead), so after deletions it exceeds the number
// of live (VALID) records.
func (t *Table[K, V]) NElements() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.nElements)
}

// TableSize returns the current number of slots.
func (t *Table[K, V]) TableSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tableSize
}

func (t *Table[K, V]) slotSize() int { return slotStatusSize + t.codec.Size() }

func (t *Table[K, V]) slotOffset(i int) int64 {
	return int64(headerSize + i*t.slotSize())
}

func (t *Table[K, V]) initEmpty(tableSize int) error {
	size := int64(headerSize + tableSize*t.slotSize())
	if err := t.f.Truncate(size); err != nil {
		return fmt.Errorf("hashfile: truncate: %w", err)
	}
	return t.writeHeader()
}

func (t *Table[K, V]) loadHeader() error {
	var hdr [headerSize]byte
	if _, err := t.f.ReadAt(hdr[:], 0); err != nil {
		return fmt.Errorf("hashfile: read header: %w", err)
	}
	t.nElements = le32(hdr[0:4])
	t.nDeleted = le32(hdr[4:8])

	fi, err := t.f.Stat()
	if err != nil {
		return fmt.Errorf("hashfile: stat: %w", err)
	}
	slots := (fi.Size() - headerSize) / int64(t.slotSize())
	if slots < 0 {
		slots = 0
	}
	t.tableSize = int(slots)
	return nil
}

func (t *Table[K, V]) writeHeader() error {
	var hdr [headerSize]byte
	putLE32(hdr[0:4], t.nElements)
	putLE32(hdr[4:8], t.nDeleted)
	_, err := t.f.WriteAt(hdr[:], 0)
	return err
}

func (t *Table[K, V]) readSlot(i int) (SlotStatus, []byte, error) {
	buf := make([]byte, t.slotSize())
	if _, err := t.f.ReadAt(buf, t.slotOffset(i)); err != nil {
		return 0, nil, fmt.Errorf("hashfile: read slot %d: %w", i, err)
	}
	return SlotStatus(le32(buf[0:4])), buf[slotStatusSize:], nil
}

func (t *Table[K, V]) writeSlot(i int, status SlotStatus, payload []byte) error {
	buf := make([]byte, t.slotSize())
	putLE32(buf[0:4], uint32(status))
	copy(buf[slotStatusSize:], payload)
	_, err := t.f.WriteAt(buf, t.slotOffset(i))
	return err
}

// Lookup returns the record stored under key, if any. Lookup traverses
// DELETED slots and stops at the first EMPTY slot or a matching VALID one.
func (t *Table[K, V]) Lookup(key K) (V, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lookupLocked(key)
}

func (t *Table[K, V]) lookupLocked(key K) (V, bool, error) {
	var zero V
	if t.tableSize == 0 {
		return zero, false, nil
	}
	idx := int(t.codec.Hash(key) % uint64(t.tableSize))
	for step := 0; step < t.tableSize; step++ {
		status, payload, err := t.readSlot(idx)
		if err != nil {
			return zero, false, err
		}
		switch status {
		case StatusEmpty:
			return zero, false, nil
		case StatusValid:
			v := t.codec.Decode(payload)
			if t.codec.KeyOf(v) == key {
				return v, true, nil
			}
		case StatusDeleted:
			// keep probing
		}
		idx = (idx + 1) % t.tableSize
	}
	return zero, false, nil
}

// Insert stores v, rehashing first if a grow/shrink/compact threshold has
// been crossed. If baseOnly is true, only the codec's base prefix is
// written; the rest of the slot is zeroed, to be filled in by a later
// full Insert of the same key.
func (t *Table[K, V]) Insert(v V, baseOnly bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.maybeRehashLocked(); err != nil {
		return err
	}

	key := t.codec.KeyOf(v)
	idx := int(t.codec.Hash(key) % uint64(t.tableSize))
	deletedSlot := -1

	for step := 0; step < t.tableSize; step++ {
		status, payload, err := t.readSlot(idx)
		if err != nil {
			return err
		}
		switch status {
		case StatusEmpty:
			target := idx
			reusingTombstone := deletedSlot != -1
			if reusingTombstone {
				target = deletedSlot
			}
			if err := t.putElement(target, v, baseOnly); err != nil {
				return err
			}
			if reusingTombstone {
				t.nDeleted--
			}
			t.nElements++
			return t.writeHeader()
		case StatusDeleted:
			if deletedSlot == -1 {
				deletedSlot = idx
			}
		case StatusValid:
			ev := t.codec.Decode(payload)
			if t.codec.KeyOf(ev) == key {
				return t.putElement(idx, v, baseOnly)
			}
		}
		idx = (idx + 1) % t.tableSize
	}

	if deletedSlot != -1 {
		if err := t.putElement(deletedSlot, v, baseOnly); err != nil {
			return err
		}
		t.nDeleted--
		t.nElements++
		return t.writeHeader()
	}

	return ErrFull
}

func (t *Table[K, V]) putElement(idx int, v V, baseOnly bool) error {
	payload := make([]byte, t.codec.Size())
	t.codec.Encode(v, baseOnly, payload)
	return t.writeSlot(idx, StatusValid, payload)
}

// Delete removes the record stored under key, if any, rewriting its slot
// as a tombstone. It reports whether a record was found.
func (t *Table[K, V]) Delete(key K) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.maybeRehashLocked(); err != nil {
		return false, err
	}
	if t.tableSize == 0 {
		return false, nil
	}

	idx := int(t.codec.Hash(key) % uint64(t.tableSize))
	for step := 0; step < t.tableSize; step++ {
		status, payload, err := t.readSlot(idx)
		if err != nil {
			return false, err
		}
		switch status {
		case StatusEmpty:
			return false, nil
		case StatusValid:
			v := t.codec.Decode(payload)
			if t.codec.KeyOf(v) == key {
				if err := t.writeSlot(idx, StatusDeleted, make([]byte, t.codec.Size())); err != nil {
					return false, err
				}
				t.nDeleted++
				return true, t.writeHeader()
			}
		case StatusDeleted:
			// keep probing
		}
		idx = (idx + 1) % t.tableSize
	}
	return false, nil
}

func (t *Table[K, V]) maybeRehashLocked() error {
	live := t.nElements - t.nDeleted
	size := uint32(t.tableSize)

	switch {
	case size > 0 && 2*live >= size:
		return t.rehashLocked(t.tableSize * 2)
	case size > 32 && 8*live <= size:
		return t.rehashLocked(t.tableSize / 2)
	case size > 0 && 2*t.nElements >= size:
		return t.rehashLocked(t.tableSize)
	}
	return nil
}

// rehashLocked copies every VALID slot into a fresh file of newSize slots,
// fsyncs it, renames it over the original path, and dups its descriptor
// onto the original file's descriptor number so that outstanding readers
// of t.f keep working unmodified. On any I/O error the original file is
// left untouched.
func (t *Table[K, V]) rehashLocked(newSize int) error {
	if newSize < 1 {
		newSize = 1
	}
	newPath := t.path + ".new"
	nf, err := os.OpenFile(newPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("hashfile: rehash create: %w", err)
	}
	newTable := &Table[K, V]{path: newPath, f: nf, codec: t.codec, tableSize: newSize}
	if err := newTable.initEmpty(newSize); err != nil {
		nf.Close()
		os.Remove(newPath)
		return err
	}

	for i := 0; i < t.tableSize; i++ {
		status, payload, err := t.readSlot(i)
		if err != nil {
			nf.Close()
			os.Remove(newPath)
			return err
		}
		if status != StatusValid {
			continue
		}
		v := t.codec.Decode(payload)
		if err := newTable.insertFresh(v); err != nil {
			nf.Close()
			os.Remove(newPath)
			return err
		}
	}

	if err := newTable.writeHeader(); err != nil {
		nf.Close()
		os.Remove(newPath)
		return fmt.Errorf("hashfile: rehash header: %w", err)
	}
	if err := nf.Sync(); err != nil {
		nf.Close()
		os.Remove(newPath)
		return fmt.Errorf("hashfile: rehash fsync: %w", err)
	}
	if err := os.Rename(newPath, t.path); err != nil {
		nf.Close()
		os.Remove(newPath)
		return fmt.Errorf("hashfile: rehash rename: %w", err)
	}

	if err := unix.Dup2(int(nf.Fd()), int(t.f.Fd())); err != nil {
		// The rename already succeeded; the on-disk state is the new
		// table, but t.f's descriptor no longer matches it. There is no
		// safe way to undo the rename, so surface the error loudly; the
		// caller should treat the Table as unusable.
		nf.Close()
		return fmt.Errorf("hashfile: rehash dup2: %w", err)
	}
	nf.Close()

	t.tableSize = newSize
	t.nElements = newTable.nElements
	t.nDeleted = newTable.nDeleted
	return nil
}

// insertFresh places v assuming its key is not already present and the
// table has no tombstones (used only during rehash).
func (t *Table[K, V]) insertFresh(v V) error {
	key := t.codec.KeyOf(v)
	idx := int(t.codec.Hash(key) % uint64(t.tableSize))
	for step := 0; step < t.tableSize; step++ {
		status, _, err := t.readSlot(idx)
		if err != nil {
			return err
		}
		if status == StatusEmpty {
			if err := t.putElement(idx, v, false); err != nil {
				return err
			}
			t.nElements++
			return nil
		}
		idx = (idx + 1) % t.tableSize
	}
	return ErrFull
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(dst []byte, v uint32) {
	dst[0] = byte(v)
	dst[1] = byte(v >> 8)
	dst[2] = byte(v >> 16)
	dst[3] = byte(v >> 24)
}
