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

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/wire"
)

// RegisterCore binds the handlers every peer connection needs regardless of
// which object-graph backend it fronts: NULL/PING health checks and the
// two-stage AUTH_STAGE1/AUTH_STAGE2 handshake of §4.I.
func RegisterCore(t *Table) {
	t.Register(NULL, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		return zfserr.OK
	})
	t.Register(PING, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		return zfserr.OK
	})
	t.Register(AUTH_STAGE1, wire.MaxNode+8, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		nodeName, err := args.GetNodeName()
		if err != nil {
			return zfserr.INVALID_REPLY
		}
		peer.CompleteAuthStage1(nodeName)
		// The reply carries this daemon's own name back, completing the
		// name exchange; a table with no local name set (tests, anonymous
		// tools) echoes the peer's.
		localName := t.LocalNodeName()
		if localName == "" {
			localName = nodeName
		}
		if err := reply.PutNodeName(localName); err != nil {
			return zfserr.EIO
		}
		return zfserr.OK
	})
	t.Register(AUTH_STAGE2, 4, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		speed, err := args.GetU32()
		if err != nil {
			return zfserr.INVALID_REPLY
		}
		peer.CompleteAuthStage2(speed)
		return zfserr.OK
	})
}
