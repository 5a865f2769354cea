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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zlomekfs/zfsd/node"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/wire"
	"github.com/zlomekfs/zfsd/workerpool"
)

func newLoopback(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	table := proto.NewTable()
	proto.RegisterCore(table)

	pool, err := workerpool.New(1, 2, 4)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Stop(0) })

	ln, err := Listen("127.0.0.1:0", node.NewTable(1, 0, 0), table, pool)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan *Conn, 1)
	ln.OnAccept = func(c *Conn) { accepted <- c }
	go ln.Serve(context.Background())

	clientNode := node.New(2, "client", "")
	client, err := Dial(context.Background(), ln.Addr().String(), clientNode, table, pool)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close(nil) })

	var server *Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side connection never accepted")
	}
	t.Cleanup(func() { server.Close(nil) })
	return client, server
}

func TestConnCallPing(t *testing.T) {
	client, _ := newLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := client.Call(ctx, proto.PING, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 0, d.Remaining())
}

func TestConnCallAuthHandshake(t *testing.T) {
	client, _ := newLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := client.Call(ctx, proto.AUTH_STAGE1, wire.MaxNode, func(e *wire.Encoder) {
		require.NoError(t, e.PutNodeName("client"))
	})
	require.NoError(t, err)
	name, err := d.GetNodeName()
	require.NoError(t, err)
	require.Equal(t, "client", name)
}

func TestConnHandshakeExchangesNodeNames(t *testing.T) {
	client, _ := newLoopback(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	peerName, err := client.Handshake(ctx, "client", 1000)
	require.NoError(t, err)
	// newLoopback's table has no local name set, so AUTH_STAGE1 echoes.
	require.Equal(t, "client", peerName)
}

func TestConnGenerationRegisteredOnNode(t *testing.T) {
	client, _ := newLoopback(t)
	firstGen := client.Generation()
	require.NotZero(t, firstGen)
	require.Equal(t, firstGen, client.node.Generation())
}

func TestConnCallRejectsReplyUnderStaleGeneration(t *testing.T) {
	client, _ := newLoopback(t)

	// Simulate another Conn having since reconnected for this node: the
	// node's live generation moves past the one client captured at dial
	// time, so client is now stale even though its socket is still open.
	client.node.SetFD(12345)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.Call(ctx, proto.PING, 0, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "stale generation")
}
