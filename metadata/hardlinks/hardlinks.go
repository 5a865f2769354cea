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

// Package hardlinks implements the per-inode ordered set of
// (parent_dev, parent_ino, name) link-name tuples described in
// SPEC_FULL.md §4.E.
package hardlinks

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zlomekfs/zfsd/wire"
)

// ErrDuplicate is returned by Append when the (parent_dev, parent_ino,
// name) tuple is already present.
var ErrDuplicate = errors.New("hardlinks: duplicate entry")

// Entry names one hard link to a file handle.
type Entry struct {
	ParentDev uint32
	ParentIno uint32
	Name      string
}

// List is an insertion-ordered set of Entry values, unique on
// (ParentDev, ParentIno, Name), persisted as length-prefixed records
// appended to a file.
type List struct {
	mu    sync.Mutex
	f     *os.File
	order *list.List
	index map[Entry]*list.Element
}

// Open opens (creating if necessary) the hardlink-list file at path and
// replays it into memory.
func Open(path string) (*List, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("hardlinks: open %s: %w", path, err)
	}

	l := &List{
		f:     f,
		order: list.New(),
		index: make(map[Entry]*list.Element),
	}

	for {
		frame, err := wire.ReadFrame(f, 0)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("hardlinks: replay %s: %w", path, err)
		}
		e, err := decodeEntry(frame)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("hardlinks: replay %s: %w", path, err)
		}
		l.insertLocked(e)
	}
	return l, nil
}

// Close closes the backing file.
func (l *List) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Append persists e and adds it to the in-memory set. It returns
// ErrDuplicate, leaving the list unchanged, if the tuple already exists.
func (l *List) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.index[e]; exists {
		return ErrDuplicate
	}

	frame, err := encodeEntry(e)
	if err != nil {
		return err
	}
	if err := wire.WriteFrame(l.f, frame); err != nil {
		return fmt.Errorf("hardlinks: append: %w", err)
	}
	l.insertLocked(e)
	return nil
}

func (l *List) insertLocked(e Entry) {
	if _, exists := l.index[e]; exists {
		return
	}
	elem := l.order.PushBack(e)
	l.index[e] = elem
}

// Remove deletes e from the in-memory set if present. The backing file is
// not rewritten, so a removed entry is restored the next time Open replays
// the file.
func (l *List) Remove(e Entry) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.index[e]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.index, e)
	return true
}

// ReadAll returns every entry in insertion order.
func (l *List) ReadAll() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, l.order.Len())
	for el := l.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// Len reports the number of entries currently in the set.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func encodeEntry(e Entry) ([]byte, error) {
	enc := wire.NewEncoder(4 + 4 + 4 + wire.MaxName + 1 + 8)
	if err := enc.PutU32(e.ParentDev); err != nil {
		return nil, err
	}
	if err := enc.PutU32(e.ParentIno); err != nil {
		return nil, err
	}
	if err := enc.PutName(e.Name); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func decodeEntry(frame []byte) (Entry, error) {
	dec, err := wire.NewDecoder(frame, 0)
	if err != nil {
		return Entry{}, err
	}
	var e Entry
	if e.ParentDev, err = dec.GetU32(); err != nil {
		return Entry{}, err
	}
	if e.ParentIno, err = dec.GetU32(); err != nil {
		return Entry{}, err
	}
	if e.Name, err = dec.GetName(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
