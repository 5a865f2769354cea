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

package wire

import "fmt"

// FH is the 20-byte immutable file handle shared by the object graph, the
// protocol engine and the wire format: (sid, vid, dev, ino, gen), each a
// little-endian u32. Equality is all-fields. (sid=0, vid=0) is reserved for
// the virtual root and virtual directory handles.
type FH struct {
	SID uint32
	VID uint32
	Dev uint32
	Ino uint32
	Gen uint32
}

// IsVirtual reports whether fh addresses the virtual namespace rather than
// a hosted object on some node.
func (fh FH) IsVirtual() bool { return fh.SID == 0 && fh.VID == 0 }

func (fh FH) String() string {
	return fmt.Sprintf("fh{sid:%d,vid:%d,dev:%d,ino:%d,gen:%d}", fh.SID, fh.VID, fh.Dev, fh.Ino, fh.Gen)
}

// PutFH encodes fh as five consecutive little-endian u32 fields (20 bytes,
// already 4-byte aligned throughout).
func (e *Encoder) PutFH(fh FH) error {
	saved := e.cursor
	for _, v := range [5]uint32{fh.SID, fh.VID, fh.Dev, fh.Ino, fh.Gen} {
		if err := e.PutU32(v); err != nil {
			e.cursor = saved
			return err
		}
	}
	return nil
}

// GetFH decodes a zfs_fh value.
func (d *Decoder) GetFH() (FH, error) {
	var fh FH
	fields := [...]*uint32{&fh.SID, &fh.VID, &fh.Dev, &fh.Ino, &fh.Gen}
	for _, f := range fields {
		v, err := d.GetU32()
		if err != nil {
			return FH{}, err
		}
		*f = v
	}
	return fh, nil
}

// Cap is a bearer token authorizing I/O on an open file handle:
// fh || flags:u32 || verify:[u8;16].
type Cap struct {
	FH     FH
	Flags  uint32
	Verify [VerifyLen]byte
}

// PutCap encodes a capability.
func (e *Encoder) PutCap(c Cap) error {
	saved := e.cursor
	if err := e.PutFH(c.FH); err != nil {
		return err
	}
	if err := e.PutU32(c.Flags); err != nil {
		e.cursor = saved
		return err
	}
	for _, b := range c.Verify {
		if err := e.PutU8(b); err != nil {
			e.cursor = saved
			return err
		}
	}
	return nil
}

// GetCap decodes a capability.
func (d *Decoder) GetCap() (Cap, error) {
	var c Cap
	fh, err := d.GetFH()
	if err != nil {
		return Cap{}, err
	}
	c.FH = fh
	if c.Flags, err = d.GetU32(); err != nil {
		return Cap{}, err
	}
	for i := range c.Verify {
		b, err := d.GetU8()
		if err != nil {
			return Cap{}, err
		}
		c.Verify[i] = b
	}
	return c, nil
}
