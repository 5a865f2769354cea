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

package proto

import "github.com/zlomekfs/zfsd/wire"

// requestHeaderSize is the size, in bytes, of a request envelope's fixed
// fields: the frame length, request_id, opcode, from_sid.
const requestHeaderSize = 16

// replyHeaderSize is the size, in bytes, of a reply envelope's fixed
// fields: the frame length, request_id, error.
const replyHeaderSize = 12

// RequestEnvelope is SPEC_FULL.md §4.I's request envelope:
// {length, request_id, opcode, from_sid} followed by op-specific args.
type RequestEnvelope struct {
	RequestID uint32
	Opcode    Opcode
	FromSID   uint32
}

// ReplyEnvelope is §4.I's reply envelope: {length, request_id, error}
// followed by op-specific results on success (error == 0).
type ReplyEnvelope struct {
	RequestID uint32
	Error     int32
}

// EncodeRequest writes env's fixed fields into a fresh encoder sized to hold
// the envelope plus capacity more bytes of op-specific arguments, and
// returns the encoder positioned for the caller to append those arguments.
func EncodeRequest(env RequestEnvelope, capacity int) *wire.Encoder {
	e := wire.NewEncoder(requestHeaderSize + capacity)
	_ = e.PutU32(env.RequestID)
	_ = e.PutU32(uint32(env.Opcode))
	_ = e.PutU32(env.FromSID)
	return e
}

// DecodeRequest reads a request envelope's fixed fields off d, leaving d
// positioned at the first op-specific argument.
func DecodeRequest(d *wire.Decoder) (RequestEnvelope, error) {
	var env RequestEnvelope
	id, err := d.GetU32()
	if err != nil {
		return env, err
	}
	op, err := d.GetU32()
	if err != nil {
		return env, err
	}
	sid, err := d.GetU32()
	if err != nil {
		return env, err
	}
	env.RequestID, env.Opcode, env.FromSID = id, Opcode(op), sid
	return env, nil
}

// EncodeReply writes env's fixed fields into a fresh encoder sized to hold
// the envelope plus capacity more bytes of op-specific results.
func EncodeReply(env ReplyEnvelope, capacity int) *wire.Encoder {
	e := wire.NewEncoder(replyHeaderSize + capacity)
	_ = e.PutU32(env.RequestID)
	_ = e.PutI32(env.Error)
	return e
}

// DecodeReply reads a reply envelope's fixed fields off d, leaving d
// positioned at the first op-specific result (meaningful only when
// env.Error == 0).
func DecodeReply(d *wire.Decoder) (ReplyEnvelope, error) {
	var env ReplyEnvelope
	id, err := d.GetU32()
	if err != nil {
		return env, err
	}
	code, err := d.GetI32()
	if err != nil {
		return env, err
	}
	env.RequestID, env.Error = id, code
	return env, nil
}
