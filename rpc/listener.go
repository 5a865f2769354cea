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
	"net"

	"github.com/zlomekfs/zfsd/node"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/workerpool"
)

// Listener accepts inbound peer connections and wraps each one as a Conn
// on an anonymous node. The name the peer gives in the AUTH_STAGE1
// handshake is recorded in the Conn's PeerState; Listener does not match it
// against its node table.
type Listener struct {
	ln    net.Listener
	nodes *node.Table
	table *proto.Table
	pool  *workerpool.Pool

	OnAccept func(*Conn)
}

// Listen binds addr and returns a Listener ready to Serve.
func Listen(addr string, nodes *node.Table, table *proto.Table, pool *workerpool.Pool) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, nodes: nodes, table: table, pool: pool}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is cancelled or the listener is
// closed. Each accepted connection is wrapped as an anonymous Conn (its
// owning node is not yet known until AUTH_STAGE1 completes); callers
// wanting to track it against a specific node.Node should do so from
// OnAccept once the peer's PeerState reports a NodeName.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.ln.Close()
	}()
	for {
		nc, err := l.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		anon := node.New(0, "", "")
		conn := Accept(nc, anon, l.table, l.pool)
		if l.OnAccept != nil {
			l.OnAccept(conn)
		}
	}
}
