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

// Package journal implements the per-file ordered log of pending ADD/DEL
// directory operations described in SPEC_FULL.md §4.D, with pair
// annihilation and crash-safe duplicate recovery.
package journal

import (
	"container/list"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/zlomekfs/zfsd/wire"
)

// Oper is the kind of a pending directory operation.
type Oper uint8

const (
	Add Oper = 0
	Del Oper = 1
)

// Entry is one pending directory operation awaiting reconciliation with
// the master.
type Entry struct {
	Dev           uint32
	Ino           uint32
	Gen           uint32
	Oper          Oper
	Name          string
	MasterFH      wire.FH
	MasterVersion uint64
}

type key struct {
	oper Oper
	name string
}

// Journal is an insertion-ordered list of Entry values plus a hash index
// on (oper, name), persisted as length-prefixed records appended to a
// file.
type Journal struct {
	mu    sync.Mutex
	f     *os.File
	order *list.List
	index map[key]*list.Element
}

// Open opens (creating if necessary) the journal file at path and replays
// it into memory, applying the same insertion/annihilation rules used by
// Append so that the in-memory state matches what a live Append sequence
// would have produced.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}

	j := &Journal{
		f:     f,
		order: list.New(),
		index: make(map[key]*list.Element),
	}

	for {
		frame, err := wire.ReadFrame(f, 0)
		if err == io.EOF {
			break
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("journal: replay %s: %w", path, err)
		}
		e, err := decodeEntry(frame)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("journal: replay %s: %w", path, err)
		}
		j.applyLocked(e)
	}
	return j, nil
}

// Close closes the backing file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// Append persists e and applies it to the in-memory journal, annihilating
// a matching pending ADD if e is a DEL for the same name, and replacing
// any existing entry for the same (oper, name) (the crash-recovery rule).
// It reports whether the journal's logical contents changed.
func (j *Journal) Append(e Entry) (netChange bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	frame, err := encodeEntry(e)
	if err != nil {
		return false, err
	}
	if err := wire.WriteFrame(j.f, frame); err != nil {
		return false, fmt.Errorf("journal: append: %w", err)
	}
	return j.applyLocked(e), nil
}

func (j *Journal) applyLocked(e Entry) bool {
	k := key{e.Oper, e.Name}
	if existing, ok := j.index[k]; ok {
		j.order.Remove(existing)
		delete(j.index, k)
	}

	if e.Oper == Del {
		addKey := key{Add, e.Name}
		if addElem, ok := j.index[addKey]; ok {
			j.order.Remove(addElem)
			delete(j.index, addKey)
			return false
		}
	}

	elem := j.order.PushBack(e)
	j.index[k] = elem
	return true
}

// ReadAll returns every pending entry in insertion order.
func (j *Journal) ReadAll() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]Entry, 0, j.order.Len())
	for el := j.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(Entry))
	}
	return out
}

// Len reports the number of currently pending entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.order.Len()
}

func encodeEntry(e Entry) ([]byte, error) {
	enc := wire.NewEncoder(4 + 4*3 + 1 + 4 + wire.MaxName + 1 + wire.FHSize + 8 + 16)
	if err := enc.PutU32(e.Dev); err != nil {
		return nil, err
	}
	if err := enc.PutU32(e.Ino); err != nil {
		return nil, err
	}
	if err := enc.PutU32(e.Gen); err != nil {
		return nil, err
	}
	if err := enc.PutEnum(uint8(e.Oper)); err != nil {
		return nil, err
	}
	if err := enc.PutName(e.Name); err != nil {
		return nil, err
	}
	if err := enc.PutFH(e.MasterFH); err != nil {
		return nil, err
	}
	if err := enc.PutU64(e.MasterVersion); err != nil {
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
	if e.Dev, err = dec.GetU32(); err != nil {
		return Entry{}, err
	}
	if e.Ino, err = dec.GetU32(); err != nil {
		return Entry{}, err
	}
	if e.Gen, err = dec.GetU32(); err != nil {
		return Entry{}, err
	}
	operVal, err := dec.GetEnum(2)
	if err != nil {
		return Entry{}, err
	}
	e.Oper = Oper(operVal)
	if e.Name, err = dec.GetName(); err != nil {
		return Entry{}, err
	}
	if e.MasterFH, err = dec.GetFH(); err != nil {
		return Entry{}, err
	}
	if e.MasterVersion, err = dec.GetU64(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
