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

package rpc

import (
	"context"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/wire"
)

// capWireSize is the encoded width of a capability argument.
const capWireSize = wire.FHSize + 4 + wire.VerifyLen

// ReadCall issues a READ to the peer behind c — capability, offset and
// count out, the bulk data buffer back — mirroring the argument layout
// server.handleRead decodes. The returned slice is a copy; the reply
// frame it aliased does not outlive this call.
func ReadCall(ctx context.Context, c *Conn, cap wire.Cap, off uint64, count uint32) ([]byte, error) {
	d, err := c.Call(ctx, proto.READ, capWireSize+8+4+8, func(e *wire.Encoder) {
		_ = e.PutCap(cap)
		_ = e.PutU64(off)
		_ = e.PutU32(count)
	})
	if err != nil {
		return nil, err
	}
	n, err := d.GetU32()
	if err != nil {
		return nil, zfserr.New("rpc.ReadCall", zfserr.INVALID_REPLY, err)
	}
	b, err := d.GetBytes(int(n), wire.MaxData)
	if err != nil {
		return nil, zfserr.New("rpc.ReadCall", zfserr.INVALID_REPLY, err)
	}
	return append([]byte(nil), b...), nil
}
