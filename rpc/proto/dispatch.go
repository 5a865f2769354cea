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

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/wire"
)

var tracer = otel.Tracer("github.com/zlomekfs/zfsd/rpc/proto")

// Handler decodes its op's arguments from args, performs the operation, and
// on success encodes its result into reply. The returned zfserr.Code becomes
// the reply envelope's error field; a non-OK code means reply's contents are
// discarded (§4.I's "op-specific result on success" rule).
type Handler func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code

// entry pairs a handler with the decode/encode capacity hints the dispatcher
// uses to size reply frames; decode_args and encode_result of §4.I live
// inside the Handler itself rather than as separate callbacks, since every
// handler already owns both its argument type and its result type.
type entry struct {
	handler   Handler
	replyHint int
}

// Table is the opcode-indexed dispatch table of §4.I: "the opcode indexes a
// table of (decode_args, handler, encode_result)". Register populates it;
// Dispatch consults it.
type Table struct {
	mu        sync.RWMutex
	entries   map[Opcode]entry
	localName string
}

// NewTable builds an empty dispatch table.
func NewTable() *Table {
	return &Table{entries: make(map[Opcode]entry)}
}

// SetLocalNodeName records the name this daemon identifies itself as in
// AUTH_STAGE1 replies, completing the handshake's "exchanges node names"
// half.
func (t *Table) SetLocalNodeName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localName = name
}

// LocalNodeName returns the name set by SetLocalNodeName.
func (t *Table) LocalNodeName() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localName
}

// Register binds h to op, sizing reply frames with replyHint spare bytes
// beyond the fixed reply header.
func (t *Table) Register(op Opcode, replyHint int, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[op] = entry{handler: h, replyHint: replyHint}
}

// PeerState is the per-connection state the dispatcher consults before
// handing a request to its handler: two-stage auth progress (§4.I) and the
// "feature disabled" bits a prior ENOSYS response sets so that future calls
// to the same opcode short-circuit without re-invoking the handler.
type PeerState struct {
	mu sync.Mutex

	authStage int
	nodeName  string
	linkSpeed uint32

	disabled map[Opcode]bool
}

// NewPeerState returns a fresh, unauthenticated peer state.
func NewPeerState() *PeerState {
	return &PeerState{disabled: make(map[Opcode]bool)}
}

func (p *PeerState) authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authStage >= 2
}

// CompleteAuthStage1 records the peer's node name and advances it past stage
// one of the two-stage handshake.
func (p *PeerState) CompleteAuthStage1(nodeName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeName = nodeName
	if p.authStage < 1 {
		p.authStage = 1
	}
}

// CompleteAuthStage2 records the peer's negotiated link-speed hint and
// completes the handshake, unblocking data ops.
func (p *PeerState) CompleteAuthStage2(linkSpeed uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.linkSpeed = linkSpeed
	p.authStage = 2
}

// NodeName returns the peer's node name established during auth stage one.
func (p *PeerState) NodeName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodeName
}

func (p *PeerState) isDisabled(op Opcode) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled[op]
}

func (p *PeerState) disable(op Opcode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[op] = true
}

// Dispatch decodes the request envelope from frame, looks up its opcode in
// t, enforces auth-gating and the feature-disabled bitset, runs the handler,
// and returns a complete reply frame (or, for a FORGET, a nil frame: forget
// is fire-and-forget per §4.I and produces no reply at all).
func (t *Table) Dispatch(ctx context.Context, peer *PeerState, frame []byte, maxData uint32) []byte {
	d, err := wire.NewDecoder(frame, maxData)
	if err != nil {
		return encodeBareError(0, zfserr.INVALID_REPLY)
	}
	req, err := DecodeRequest(d)
	if err != nil {
		return encodeBareError(0, zfserr.INVALID_REPLY)
	}

	code, replyEnc := t.dispatchOne(ctx, peer, req, d)
	if req.Opcode.isFireAndForget() {
		return nil
	}
	if replyEnc != nil && code == zfserr.OK {
		return replyEnc.Bytes()
	}
	return encodeBareError(req.RequestID, code)
}

func (t *Table) dispatchOne(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder) (zfserr.Code, *wire.Encoder) {
	if !req.Opcode.Valid() {
		return zfserr.ENOSYS, nil
	}
	if req.Opcode.requiresAuth() && !peer.authenticated() {
		return zfserr.EACCES, nil
	}
	if peer.isDisabled(req.Opcode) {
		return zfserr.ENOSYS, nil
	}

	t.mu.RLock()
	e, ok := t.entries[req.Opcode]
	t.mu.RUnlock()
	if !ok {
		return zfserr.ENOSYS, nil
	}

	ctx, span := tracer.Start(ctx, "zfsd.proto.dispatch",
		trace.WithAttributes(
			attribute.String("zfsd.opcode", req.Opcode.String()),
			attribute.Int64("zfsd.request_id", int64(req.RequestID)),
			attribute.Int64("zfsd.from_sid", int64(req.FromSID)),
		))
	defer span.End()

	reply := EncodeReply(ReplyEnvelope{RequestID: req.RequestID}, e.replyHint)
	code := e.handler(ctx, peer, req, args, reply)
	span.SetAttributes(attribute.Int64("zfsd.error_code", int64(code)))
	if code == zfserr.ENOSYS {
		peer.disable(req.Opcode)
	}
	patchReplyError(reply, code)
	return code, reply
}

// encodeBareError builds a reply frame carrying only the envelope, no
// op-specific result, for requests that never reach a registered handler.
func encodeBareError(requestID uint32, code zfserr.Code) []byte {
	e := EncodeReply(ReplyEnvelope{RequestID: requestID, Error: int32(code)}, 0)
	return e.Bytes()
}

// patchReplyError overwrites a reply encoder's error field in place after
// the handler has already appended its (possibly now-discarded) result.
func patchReplyError(e *wire.Encoder, code zfserr.Code) {
	b := e.Bytes()
	if len(b) >= replyHeaderSize {
		// request_id:u32 then error:i32, both past the 4-byte length prefix.
		putI32At(b, 8, int32(code))
	}
}

func putI32At(b []byte, off int, v int32) {
	u := uint32(v)
	b[off] = byte(u)
	b[off+1] = byte(u >> 8)
	b[off+2] = byte(u >> 16)
	b[off+3] = byte(u >> 24)
}
