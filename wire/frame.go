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
	"encoding/binary"
	"io"
)

// ReadFrame reads one length-prefixed frame from r: first the 4-byte
// little-endian length (which counts itself), then length-4 further bytes.
// The returned slice begins with the length prefix, so it can be handed
// straight to NewDecoder.
func ReadFrame(r io.Reader, maxData uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length < envelopeHeaderSize {
		return nil, ErrShortFrame
	}
	if maxData != 0 && length > maxData {
		return nil, ErrFrameTooLarge
	}
	frame := make([]byte, length)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[envelopeHeaderSize:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes a complete frame (as produced by Encoder.Bytes) to w.
func WriteFrame(w io.Writer, frame []byte) error {
	if len(frame) < envelopeHeaderSize {
		return ErrShortFrame
	}
	_, err := w.Write(frame)
	return err
}
