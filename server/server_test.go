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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/objgraph"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/vfsops"
	"github.com/zlomekfs/zfsd/wire"
	"github.com/zlomekfs/zfsd/workerpool"
)

func newTestServer(t *testing.T) (*Server, *proto.Table, *objgraph.Volume) {
	t.Helper()
	dir := t.TempDir()

	graph := objgraph.New(1)
	vol, err := objgraph.OpenVolume(1, 1, "vol0", dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { vol.Close() })
	graph.AddVolume(vol)

	pool, err := workerpool.New(1, 2, 4)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(0) })

	ops := vfsops.New(graph, pool)
	srv := New(ops)
	table := proto.NewTable()
	srv.Register(table)
	return srv, table, vol
}

func dispatch(t *testing.T, table *proto.Table, peer *proto.PeerState, op proto.Opcode, encodeArgs func(*wire.Encoder)) *wire.Decoder {
	t.Helper()
	req := proto.EncodeRequest(proto.RequestEnvelope{RequestID: 1, Opcode: op, FromSID: 1}, 4096)
	if encodeArgs != nil {
		encodeArgs(req)
	}
	replyFrame := table.Dispatch(context.Background(), peer, req.Bytes(), 0)
	require.NotNil(t, replyFrame)
	d, err := wire.NewDecoder(replyFrame, 0)
	require.NoError(t, err)
	env, err := proto.DecodeReply(d)
	require.NoError(t, err)
	require.Equal(t, int32(0), env.Error, "reply carried a non-OK error code")
	return d
}

func TestServerMkdirLookupGetattr(t *testing.T) {
	_, table, vol := newTestServer(t)
	peer := proto.NewPeerState()
	peer.CompleteAuthStage1("peer0")
	peer.CompleteAuthStage2(0)

	d := dispatch(t, table, peer, proto.MKDIR, func(e *wire.Encoder) {
		require.NoError(t, e.PutFH(vol.RootFH))
		require.NoError(t, e.PutName("sub"))
		require.NoError(t, putAttr(e, objgraph.Attr{Mode: objgraph.ModeDir | 0o755}))
	})
	childFH, err := d.GetFH()
	require.NoError(t, err)
	attr, err := getAttr(d)
	require.NoError(t, err)
	assert.Equal(t, objgraph.ModeDir, int(attr.Mode&objgraph.ModeTypeMask))

	d2 := dispatch(t, table, peer, proto.LOOKUP, func(e *wire.Encoder) {
		require.NoError(t, e.PutFH(vol.RootFH))
		require.NoError(t, e.PutName("sub"))
	})
	lookedUp, err := d2.GetFH()
	require.NoError(t, err)
	assert.Equal(t, childFH, lookedUp)
}

func TestServerCreateWriteRead(t *testing.T) {
	_, table, vol := newTestServer(t)
	peer := proto.NewPeerState()
	peer.CompleteAuthStage1("peer0")
	peer.CompleteAuthStage2(0)

	d := dispatch(t, table, peer, proto.CREATE, func(e *wire.Encoder) {
		require.NoError(t, e.PutFH(vol.RootFH))
		require.NoError(t, e.PutName("file.txt"))
		require.NoError(t, e.PutU32(0))
		require.NoError(t, putAttr(e, objgraph.Attr{Mode: objgraph.ModeRegular | 0o644}))
	})
	cap, err := d.GetCap()
	require.NoError(t, err)
	_, err = d.GetFH()
	require.NoError(t, err)
	_, err = getAttr(d)
	require.NoError(t, err)

	payload := []byte("hello zfsd")
	dw := dispatch(t, table, peer, proto.WRITE, func(e *wire.Encoder) {
		require.NoError(t, e.PutCap(cap))
		require.NoError(t, e.PutU64(0))
		require.NoError(t, putBulk(e, payload))
	})
	n, err := dw.GetU32()
	require.NoError(t, err)
	assert.Equal(t, uint32(len(payload)), n)

	dr := dispatch(t, table, peer, proto.READ, func(e *wire.Encoder) {
		require.NoError(t, e.PutCap(cap))
		require.NoError(t, e.PutU64(0))
		require.NoError(t, e.PutU32(uint32(len(payload))))
	})
	got, err := getBulk(dr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestServerForgetIsFireAndForget(t *testing.T) {
	_, table, vol := newTestServer(t)
	peer := proto.NewPeerState()
	peer.CompleteAuthStage1("peer0")
	peer.CompleteAuthStage2(0)

	req := proto.EncodeRequest(proto.RequestEnvelope{RequestID: 7, Opcode: proto.FORGET, FromSID: 1}, 64)
	require.NoError(t, req.PutFH(vol.RootFH))
	require.NoError(t, req.PutU32(1))
	reply := table.Dispatch(context.Background(), peer, req.Bytes(), 0)
	assert.Nil(t, reply, "FORGET must produce no reply frame")
}

func TestServerUnauthenticatedDataOpRejected(t *testing.T) {
	_, table, vol := newTestServer(t)
	peer := proto.NewPeerState()

	req := proto.EncodeRequest(proto.RequestEnvelope{RequestID: 1, Opcode: proto.GETATTR, FromSID: 1}, 64)
	require.NoError(t, req.PutFH(vol.RootFH))
	replyFrame := table.Dispatch(context.Background(), peer, req.Bytes(), 0)
	d, err := wire.NewDecoder(replyFrame, 0)
	require.NoError(t, err)
	env, err := proto.DecodeReply(d)
	require.NoError(t, err)
	assert.NotEqual(t, int32(0), env.Error)
}
