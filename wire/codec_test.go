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

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario 1 from SPEC_FULL.md §8: encode/decode round trip of zfs_fh.
func TestFHRoundTrip(t *testing.T) {
	fh := FH{SID: 1, VID: 2, Dev: 3, Ino: 4, Gen: 5}

	enc := NewEncoder(64)
	require.NoError(t, enc.PutFH(fh))
	frame := enc.Bytes()

	require.Equal(t, uint32(24), lengthOf(frame))
	wantPayload := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x02, 0x00, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x04, 0x00, 0x00, 0x00,
		0x05, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, wantPayload, frame[4:])

	dec, err := NewDecoder(frame, 0)
	require.NoError(t, err)
	got, err := dec.GetFH()
	require.NoError(t, err)
	assert.Equal(t, fh, got)
}

func lengthOf(frame []byte) uint32 {
	return uint32(frame[0]) | uint32(frame[1])<<8 | uint32(frame[2])<<16 | uint32(frame[3])<<24
}

func TestRoundTripPrimitives(t *testing.T) {
	enc := NewEncoder(128)
	require.NoError(t, enc.PutU8(7))
	require.NoError(t, enc.PutU16(300))
	require.NoError(t, enc.PutU32(70000))
	require.NoError(t, enc.PutU64(1<<40))
	require.NoError(t, enc.PutI32(-5))
	require.NoError(t, enc.PutName("frob"))
	require.NoError(t, enc.PutPath("/a/b/c"))
	require.NoError(t, enc.PutBytes([]byte{1, 2, 3}, MaxData))

	dec, err := NewDecoder(enc.Bytes(), 0)
	require.NoError(t, err)

	u8, err := dec.GetU8()
	require.NoError(t, err)
	assert.EqualValues(t, 7, u8)

	u16, err := dec.GetU16()
	require.NoError(t, err)
	assert.EqualValues(t, 300, u16)

	u32, err := dec.GetU32()
	require.NoError(t, err)
	assert.EqualValues(t, 70000, u32)

	u64, err := dec.GetU64()
	require.NoError(t, err)
	assert.EqualValues(t, 1<<40, u64)

	i32, err := dec.GetI32()
	require.NoError(t, err)
	assert.EqualValues(t, -5, i32)

	name, err := dec.GetName()
	require.NoError(t, err)
	assert.Equal(t, "frob", name)

	path, err := dec.GetPath()
	require.NoError(t, err)
	assert.Equal(t, "/a/b/c", path)

	data, err := dec.GetBytes(3, MaxData)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
}

func TestPaddingBytesAreZero(t *testing.T) {
	enc := NewEncoder(32)
	require.NoError(t, enc.PutU8(0xFF))
	// PutU32 after a single byte must pad 3 zero bytes before the value.
	require.NoError(t, enc.PutU32(1))
	frame := enc.Bytes()
	assert.Equal(t, byte(0xFF), frame[4])
	assert.Equal(t, []byte{0, 0, 0}, frame[5:8])
	assert.Equal(t, []byte{1, 0, 0, 0}, frame[8:12])
}

func TestEncoderIsTransactionalOnOverflow(t *testing.T) {
	enc := NewEncoder(8) // only room for the length prefix + one u32
	require.NoError(t, enc.PutU32(1))
	before := enc.Len()
	err := enc.PutU32(2)
	assert.ErrorIs(t, err, ErrFrameFull)
	assert.Equal(t, before, enc.Len(), "cursor must be rewound on overflow")
}

func TestOverlongNameRejected(t *testing.T) {
	enc := NewEncoder(4096)
	long := bytes.Repeat([]byte{'a'}, MaxName+1)
	err := enc.PutName(string(long))
	assert.ErrorIs(t, err, ErrOverlongField)
	assert.Equal(t, envelopeHeaderSize, enc.Len())
}

// Boundary behavior from SPEC_FULL.md §8: a frame shorter than the
// envelope is rejected.
func TestShortFrameRejected(t *testing.T) {
	_, err := NewDecoder([]byte{3, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = NewDecoder([]byte{3, 0, 0, 0}, 0)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestFrameExceedingMaxDataRejected(t *testing.T) {
	enc := NewEncoder(64)
	require.NoError(t, enc.PutU64(0))
	_, err := NewDecoder(enc.Bytes(), 8)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestBadEnumRejected(t *testing.T) {
	enc := NewEncoder(16)
	require.NoError(t, enc.PutEnum(9))
	dec, err := NewDecoder(enc.Bytes(), 0)
	require.NoError(t, err)
	_, err = dec.GetEnum(4)
	assert.ErrorIs(t, err, ErrBadEnum)
}

func TestCapRoundTrip(t *testing.T) {
	c := Cap{FH: FH{SID: 1, VID: 1, Dev: 2, Ino: 3, Gen: 4}, Flags: 0x3}
	for i := range c.Verify {
		c.Verify[i] = byte(i)
	}

	enc := NewEncoder(64)
	require.NoError(t, enc.PutCap(c))
	dec, err := NewDecoder(enc.Bytes(), 0)
	require.NoError(t, err)
	got, err := dec.GetCap()
	require.NoError(t, err)
	assert.Equal(t, c, got)
}
