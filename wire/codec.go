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

import "encoding/binary"

// alignUp rounds cursor up to the next multiple of size. size is always one
// of 1, 2, 4, 8.
func alignUp(cursor, size int) int {
	if size <= 1 {
		return cursor
	}
	rem := cursor % size
	if rem == 0 {
		return cursor
	}
	return cursor + (size - rem)
}

// Encoder writes primitive and compound values into a fixed-capacity,
// length-prefixed frame buffer. The first 4 bytes of the buffer are
// reserved for the frame length and are patched in by Bytes.
//
// Encoder is transactional: every Put* method either fully applies its
// write, or leaves the encoder exactly as it was before the call.
type Encoder struct {
	buf    []byte
	cursor int
}

// NewEncoder allocates an encoder with the given total frame capacity
// (including the 4-byte length prefix).
func NewEncoder(capacity int) *Encoder {
	return &Encoder{
		buf:    make([]byte, capacity),
		cursor: envelopeHeaderSize,
	}
}

// Len returns the number of bytes written so far, including the length
// prefix.
func (e *Encoder) Len() int { return e.cursor }

// Cap returns the encoder's total frame capacity.
func (e *Encoder) Cap() int { return len(e.buf) }

// Bytes patches the length prefix and returns the encoded frame. The
// returned slice aliases the encoder's internal buffer.
func (e *Encoder) Bytes() []byte {
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(e.cursor))
	return e.buf[:e.cursor]
}

// reserve aligns the cursor to size, then carves out n bytes starting at
// the aligned position, zero-filling the padding. On overflow it leaves the
// encoder untouched and returns ok=false.
func (e *Encoder) reserve(size, n int) (start int, ok bool) {
	saved := e.cursor
	aligned := alignUp(saved, size)
	if aligned+n > len(e.buf) {
		return 0, false
	}
	for i := saved; i < aligned; i++ {
		e.buf[i] = 0
	}
	e.cursor = aligned + n
	return aligned, true
}

func (e *Encoder) putFixed(size int, write func(dst []byte)) error {
	saved := e.cursor
	start, ok := e.reserve(size, size)
	if !ok {
		e.cursor = saved
		return ErrFrameFull
	}
	write(e.buf[start : start+size])
	return nil
}

// PutU8 writes a single unaligned byte.
func (e *Encoder) PutU8(v uint8) error {
	return e.putFixed(1, func(dst []byte) { dst[0] = v })
}

// PutU16 writes a 2-byte little-endian value aligned to 2 bytes.
func (e *Encoder) PutU16(v uint16) error {
	return e.putFixed(2, func(dst []byte) { binary.LittleEndian.PutUint16(dst, v) })
}

// PutU32 writes a 4-byte little-endian value aligned to 4 bytes.
func (e *Encoder) PutU32(v uint32) error {
	return e.putFixed(4, func(dst []byte) { binary.LittleEndian.PutUint32(dst, v) })
}

// PutI32 writes a 4-byte little-endian signed value aligned to 4 bytes.
func (e *Encoder) PutI32(v int32) error {
	return e.PutU32(uint32(v))
}

// PutU64 writes an 8-byte little-endian value aligned to 8 bytes.
func (e *Encoder) PutU64(v uint64) error {
	return e.putFixed(8, func(dst []byte) { binary.LittleEndian.PutUint64(dst, v) })
}

// PutEnum writes a closed-set u8 enumeration value. Callers validate the
// value against the enum's domain before calling.
func (e *Encoder) PutEnum(v uint8) error {
	return e.PutU8(v)
}

// PutBytes writes a raw, unaligned byte buffer (e.g. bulk READ/WRITE data),
// bounded by maxLen (typically MaxData).
func (e *Encoder) PutBytes(p []byte, maxLen int) error {
	if len(p) > maxLen {
		return ErrOverlongField
	}
	saved := e.cursor
	if saved+len(p) > len(e.buf) {
		return ErrFrameFull
	}
	copy(e.buf[saved:], p)
	e.cursor = saved + len(p)
	return nil
}

// putString writes len(s):u32 then len(s) bytes then a trailing zero byte,
// bounded by maxLen. The whole operation is transactional.
func (e *Encoder) putString(s string, maxLen int) error {
	if len(s) > maxLen {
		return ErrOverlongField
	}
	saved := e.cursor
	if err := e.PutU32(uint32(len(s))); err != nil {
		return err
	}
	total := len(s) + 1
	if e.cursor+total > len(e.buf) {
		e.cursor = saved
		return ErrFrameFull
	}
	copy(e.buf[e.cursor:], s)
	e.buf[e.cursor+len(s)] = 0
	e.cursor += total
	return nil
}

// PutPath writes a path string bounded by MaxPath.
func (e *Encoder) PutPath(s string) error { return e.putString(s, MaxPath) }

// PutName writes a single path-component string bounded by MaxName.
func (e *Encoder) PutName(s string) error { return e.putString(s, MaxName) }

// PutNodeName writes a node-name string bounded by MaxNode.
func (e *Encoder) PutNodeName(s string) error { return e.putString(s, MaxNode) }

// Decoder reads primitive and compound values out of a framed buffer.
// Variable-length byte fields (GetBytes) are returned as slices aliasing
// the input buffer, which must outlive the decoded view. The string-typed
// accessors (GetPath, GetName, GetNodeName) are the one exception: a Go
// string is immutable, so an aliasing view cannot be expressed as one and
// those fields are copied at the conversion.
type Decoder struct {
	buf    []byte
	cursor int
}

// NewDecoder validates the frame's length prefix and, if maxData is
// non-zero, rejects a payload larger than the negotiated MAX_DATA. The
// returned Decoder's view is bounded to exactly the declared frame length.
func NewDecoder(frame []byte, maxData uint32) (*Decoder, error) {
	if len(frame) < envelopeHeaderSize {
		return nil, ErrShortFrame
	}
	length := binary.LittleEndian.Uint32(frame[0:4])
	if int(length) < envelopeHeaderSize || int(length) > len(frame) {
		return nil, ErrShortFrame
	}
	if maxData != 0 && length > maxData {
		return nil, ErrFrameTooLarge
	}
	return &Decoder{buf: frame[:length], cursor: envelopeHeaderSize}, nil
}

// Remaining reports how many bytes are left to decode.
func (d *Decoder) Remaining() int { return len(d.buf) - d.cursor }

func (d *Decoder) takeFixed(size int) ([]byte, error) {
	aligned := alignUp(d.cursor, size)
	if aligned+size > len(d.buf) {
		return nil, ErrShortFrame
	}
	d.cursor = aligned + size
	return d.buf[aligned : aligned+size], nil
}

// GetU8 reads a single unaligned byte.
func (d *Decoder) GetU8() (uint8, error) {
	b, err := d.takeFixed(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetU16 reads a 2-byte little-endian value aligned to 2 bytes.
func (d *Decoder) GetU16() (uint16, error) {
	b, err := d.takeFixed(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// GetU32 reads a 4-byte little-endian value aligned to 4 bytes.
func (d *Decoder) GetU32() (uint32, error) {
	b, err := d.takeFixed(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// GetI32 reads a 4-byte little-endian signed value aligned to 4 bytes.
func (d *Decoder) GetI32() (int32, error) {
	v, err := d.GetU32()
	return int32(v), err
}

// GetU64 reads an 8-byte little-endian value aligned to 8 bytes.
func (d *Decoder) GetU64() (uint64, error) {
	b, err := d.takeFixed(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// GetEnum reads a u8 and validates it lies in [0, domainSize).
func (d *Decoder) GetEnum(domainSize int) (uint8, error) {
	v, err := d.GetU8()
	if err != nil {
		return 0, err
	}
	if int(v) >= domainSize {
		return 0, ErrBadEnum
	}
	return v, nil
}

// GetBytes returns an unaligned, length-prefixed-by-the-caller raw byte
// slice aliasing the frame buffer.
func (d *Decoder) GetBytes(n int, maxLen int) ([]byte, error) {
	if n < 0 || n > maxLen {
		return nil, ErrOverlongField
	}
	if d.cursor+n > len(d.buf) {
		return nil, ErrShortFrame
	}
	b := d.buf[d.cursor : d.cursor+n]
	d.cursor += n
	return b, nil
}

// getString reads len:u32, then len bytes, then a trailing zero byte,
// bounded by maxLen. The returned slice aliases the frame buffer and does
// not include the trailing zero.
func (d *Decoder) getString(maxLen int) ([]byte, error) {
	n, err := d.GetU32()
	if err != nil {
		return nil, err
	}
	if int(n) > maxLen {
		return nil, ErrOverlongField
	}
	if d.cursor+int(n)+1 > len(d.buf) {
		return nil, ErrShortFrame
	}
	s := d.buf[d.cursor : d.cursor+int(n)]
	if d.buf[d.cursor+int(n)] != 0 {
		return nil, ErrShortFrame
	}
	d.cursor += int(n) + 1
	return s, nil
}

// GetPath reads a path string bounded by MaxPath.
func (d *Decoder) GetPath() (string, error) {
	b, err := d.getString(MaxPath)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetName reads a single path-component string bounded by MaxName.
func (d *Decoder) GetName() (string, error) {
	b, err := d.getString(MaxName)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetNodeName reads a node-name string bounded by MaxNode.
func (d *Decoder) GetNodeName() (string, error) {
	b, err := d.getString(MaxNode)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
