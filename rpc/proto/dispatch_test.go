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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/wire"
)

func buildRequest(t *testing.T, req RequestEnvelope, body func(*wire.Encoder)) []byte {
	t.Helper()
	e := EncodeRequest(req, 64)
	if body != nil {
		body(e)
	}
	return e.Bytes()
}

func TestNullRoundTrip(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	peer := NewPeerState()

	frame := buildRequest(t, RequestEnvelope{RequestID: 1, Opcode: NULL}, nil)
	reply := table.Dispatch(context.Background(), peer, frame, 0)

	d, err := wire.NewDecoder(reply, 0)
	require.NoError(t, err)
	env, err := DecodeReply(d)
	require.NoError(t, err)
	require.Equal(t, uint32(1), env.RequestID)
	require.Equal(t, int32(zfserr.OK), env.Error)
}

func TestUnknownOpcodeReturnsENOSYS(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	peer := NewPeerState()

	frame := buildRequest(t, RequestEnvelope{RequestID: 2, Opcode: Opcode(9999)}, nil)
	reply := table.Dispatch(context.Background(), peer, frame, 0)

	d, err := wire.NewDecoder(reply, 0)
	require.NoError(t, err)
	env, err := DecodeReply(d)
	require.NoError(t, err)
	require.Equal(t, int32(zfserr.ENOSYS), env.Error)
}

func TestDataOpRejectedBeforeAuth(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	table.Register(GETATTR, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		return zfserr.OK
	})
	peer := NewPeerState()

	frame := buildRequest(t, RequestEnvelope{RequestID: 3, Opcode: GETATTR}, nil)
	reply := table.Dispatch(context.Background(), peer, frame, 0)

	d, err := wire.NewDecoder(reply, 0)
	require.NoError(t, err)
	env, err := DecodeReply(d)
	require.NoError(t, err)
	require.Equal(t, int32(zfserr.EACCES), env.Error)
}

func TestTwoStageAuthUnblocksDataOps(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	table.Register(GETATTR, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		return zfserr.OK
	})
	peer := NewPeerState()

	stage1 := buildRequest(t, RequestEnvelope{RequestID: 1, Opcode: AUTH_STAGE1}, func(e *wire.Encoder) {
		require.NoError(t, e.PutNodeName("client-node"))
	})
	table.Dispatch(context.Background(), peer, stage1, 0)
	require.Equal(t, "client-node", peer.NodeName())

	stage2 := buildRequest(t, RequestEnvelope{RequestID: 2, Opcode: AUTH_STAGE2}, func(e *wire.Encoder) {
		require.NoError(t, e.PutU32(1000))
	})
	table.Dispatch(context.Background(), peer, stage2, 0)

	frame := buildRequest(t, RequestEnvelope{RequestID: 3, Opcode: GETATTR}, nil)
	reply := table.Dispatch(context.Background(), peer, frame, 0)
	d, err := wire.NewDecoder(reply, 0)
	require.NoError(t, err)
	env, err := DecodeReply(d)
	require.NoError(t, err)
	require.Equal(t, int32(zfserr.OK), env.Error)
}

func TestHandlerENOSYSDisablesFeatureForPeer(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	calls := 0
	table.Register(MD5SUM, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		calls++
		return zfserr.ENOSYS
	})
	peer := NewPeerState()
	peer.CompleteAuthStage1("n")
	peer.CompleteAuthStage2(0)

	for i := 0; i < 3; i++ {
		frame := buildRequest(t, RequestEnvelope{RequestID: uint32(i), Opcode: MD5SUM}, nil)
		table.Dispatch(context.Background(), peer, frame, 0)
	}
	require.Equal(t, 1, calls, "second and third calls short-circuit once the feature is marked disabled")
	require.True(t, peer.isDisabled(MD5SUM))
}

func TestForgetProducesNoReply(t *testing.T) {
	table := NewTable()
	RegisterCore(table)
	invoked := false
	table.Register(FORGET, 0, func(ctx context.Context, peer *PeerState, req RequestEnvelope, args *wire.Decoder, reply *wire.Encoder) zfserr.Code {
		invoked = true
		return zfserr.OK
	})
	peer := NewPeerState()
	peer.CompleteAuthStage1("n")
	peer.CompleteAuthStage2(0)

	frame := buildRequest(t, RequestEnvelope{RequestID: 1, Opcode: FORGET}, nil)
	reply := table.Dispatch(context.Background(), peer, frame, 0)
	require.Nil(t, reply)
	require.True(t, invoked)
}
