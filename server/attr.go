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

package server

import (
	"time"

	"github.com/zlomekfs/zfsd/objgraph"
	"github.com/zlomekfs/zfsd/wire"
)

// attrWireSize bounds the encoded width of an objgraph.Attr on the wire:
// mode, uid, gid, nlink (u32 each), size and three nanosecond timestamps
// (u64 each), plus the worst-case alignment fill the u64 fields can demand
// when the attribute follows an unaligned field such as a name.
const attrWireSize = 4 + 8 + 4 + 4 + 4 + 8*3 + 16

func putAttr(e *wire.Encoder, a objgraph.Attr) error {
	puts := []func() error{
		func() error { return e.PutU32(a.Mode) },
		func() error { return e.PutU64(a.Size) },
		func() error { return e.PutU32(a.UID) },
		func() error { return e.PutU32(a.GID) },
		func() error { return e.PutU32(a.Nlink) },
		func() error { return e.PutU64(uint64(a.Atime.UnixNano())) },
		func() error { return e.PutU64(uint64(a.Mtime.UnixNano())) },
		func() error { return e.PutU64(uint64(a.Ctime.UnixNano())) },
	}
	for _, p := range puts {
		if err := p(); err != nil {
			return err
		}
	}
	return nil
}

func getAttr(d *wire.Decoder) (objgraph.Attr, error) {
	var a objgraph.Attr
	var err error
	if a.Mode, err = d.GetU32(); err != nil {
		return a, err
	}
	if a.Size, err = d.GetU64(); err != nil {
		return a, err
	}
	if a.UID, err = d.GetU32(); err != nil {
		return a, err
	}
	if a.GID, err = d.GetU32(); err != nil {
		return a, err
	}
	if a.Nlink, err = d.GetU32(); err != nil {
		return a, err
	}
	atime, err := d.GetU64()
	if err != nil {
		return a, err
	}
	mtime, err := d.GetU64()
	if err != nil {
		return a, err
	}
	ctime, err := d.GetU64()
	if err != nil {
		return a, err
	}
	a.Atime = time.Unix(0, int64(atime))
	a.Mtime = time.Unix(0, int64(mtime))
	a.Ctime = time.Unix(0, int64(ctime))
	return a, nil
}
