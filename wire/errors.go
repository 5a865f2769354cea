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

import "errors"

// Codec-layer errors. In the rpc runtime, a request whose envelope or
// arguments fail to decode with one of these gets an INVALID_REPLY error
// reply and its connection stays open; only a frame whose length prefix is
// out of bounds resets the connection.
var (
	// ErrShortFrame is returned when a frame's declared length is smaller
	// than the envelope header, or the buffer is shorter than the declared
	// length.
	ErrShortFrame = errors.New("wire: short frame")

	// ErrOverlongField is returned when encoding or decoding a variable
	// length field (string, path, bulk buffer) that would exceed its bound.
	ErrOverlongField = errors.New("wire: field exceeds maximum length")

	// ErrBadEnum is returned when decoding a u8 enum value outside its
	// closed value set.
	ErrBadEnum = errors.New("wire: invalid enum value")

	// ErrUnaligned is not returned by this package's Encoder or Decoder,
	// which pad and skip to each field's alignment themselves.
	ErrUnaligned = errors.New("wire: unaligned field")

	// ErrFrameTooLarge is returned when a decoded frame length would exceed
	// the negotiated MAX_DATA bound.
	ErrFrameTooLarge = errors.New("wire: frame exceeds negotiated maximum")

	// ErrFrameFull is returned by an Encoder when a field would not fit in
	// the remaining frame capacity. The encoder's cursor is rewound before
	// this is returned.
	ErrFrameFull = errors.New("wire: frame capacity exceeded")
)
