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

// Package rpc is SPEC_FULL.md §4.K's RPC runtime: one persistent TCP
// connection per peer, framed with the wire package exactly as the kernel
// channel is, a reader goroutine demultiplexing replies onto an in-flight
// map keyed by request_id, a heartbeat that tears the connection down after
// too many missed PING replies, and a network-direction workerpool.Pool
// draining newly arrived requests into the shared rpc/proto dispatch table.
package rpc

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zlomekfs/zfsd/clock"
	"github.com/zlomekfs/zfsd/internal/zfserr"
	"github.com/zlomekfs/zfsd/node"
	"github.com/zlomekfs/zfsd/rpc/proto"
	"github.com/zlomekfs/zfsd/wire"
	"github.com/zlomekfs/zfsd/workerpool"
)

// Tunables named directly in §4.K's prose.
const (
	// HeartbeatPeriod is the interval at which heartbeatLoop sends an
	// unsolicited PING; one goes out every period, whether or not other
	// traffic arrived in between.
	HeartbeatPeriod = 5 * time.Second

	// MaxMissedHeartbeats is the number of consecutive un-replied PINGs
	// that tear a connection down.
	MaxMissedHeartbeats = 3

	// DefaultRequestTimeout bounds how long Call waits for a reply before
	// giving up and dropping the in-flight entry; a reply arriving after
	// this is logged and discarded per §4.K.
	DefaultRequestTimeout = 30 * time.Second

	// maxFrameSize bounds a single frame this runtime will ever read,
	// generously above wire.MaxData plus envelope/argument overhead.
	maxFrameSize = wire.MaxData + 4096
)

// inflight is one outstanding request awaiting its reply.
type inflight struct {
	generation uint32
	deadline   time.Time
	done       chan []byte // receives the raw reply frame
}

// Conn is one persistent, framed TCP connection to a single peer, playing
// either the dialing or the accepting role — the framing and demultiplexing
// logic is identical either way, the way jacobsa/fuse's single connection
// type serves both a mount's kernel reads and writes.
type Conn struct {
	node  *node.Node
	nc    net.Conn
	table *proto.Table
	peer  *proto.PeerState
	pool  *workerpool.Pool
	clk   clock.Clock

	writeMu sync.Mutex

	mu         sync.Mutex
	nextReqID  uint32
	generation uint32
	inflight   map[uint32]*inflight
	closed     bool

	missedHeartbeats int32

	closeOnce sync.Once
	closeErr  error
	doneCh    chan struct{}
}

// Dial opens a new TCP connection to addr and wraps it for n, registering
// the new connection generation on n per §4.K "on reconnect the generation
// counter on the node is bumped".
func Dial(ctx context.Context, addr string, n *node.Node, table *proto.Table, pool *workerpool.Pool) (*Conn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, zfserr.New("rpc.Dial", zfserr.CONNECTION_LOST, err)
	}
	return newConn(nc, n, table, pool), nil
}

// Accept wraps an already-accepted connection nc for peer n.
func Accept(nc net.Conn, n *node.Node, table *proto.Table, pool *workerpool.Pool) *Conn {
	return newConn(nc, n, table, pool)
}

func newConn(nc net.Conn, n *node.Node, table *proto.Table, pool *workerpool.Pool) *Conn {
	c := &Conn{
		node:     n,
		nc:       nc,
		table:    table,
		peer:     proto.NewPeerState(),
		pool:     pool,
		clk:      clock.RealClock{},
		inflight: make(map[uint32]*inflight),
		doneCh:   make(chan struct{}),
	}
	c.generation = n.SetFD(fdOf(nc))
	go c.readLoop()
	go c.heartbeatLoop()
	return c
}

// fdOf extracts an identifying integer for the node's generation bookkeeping
// even though net.Conn does not expose a raw descriptor uniformly across
// transports; the local port of the connection is stable for its lifetime
// and unique enough to detect "this is a new socket" for SetFD's purposes.
func fdOf(nc net.Conn) int {
	if addr, ok := nc.LocalAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Generation returns the connection generation this Conn was created with.
func (c *Conn) Generation() uint32 { return c.generation }

// Done is closed once the connection has torn down.
func (c *Conn) Done() <-chan struct{} { return c.doneCh }

// Err returns the reason the connection tore down, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close tears the connection down, failing every in-flight request with
// ZFS_CONNECTION_LOST.
func (c *Conn) Close(cause error) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.closeErr = cause
		pending := c.inflight
		c.inflight = make(map[uint32]*inflight)
		c.mu.Unlock()

		c.nc.Close()
		for _, p := range pending {
			close(p.done)
		}
		close(c.doneCh)
	})
	return nil
}

// Call sends a request built by encodeArgs under opcode op and blocks for
// its reply, enforcing DefaultRequestTimeout and this connection's current
// generation. A reply tagged with a stale generation (this connection
// having since reconnected) is treated as ZFS_CONNECTION_LOST.
func (c *Conn) Call(ctx context.Context, op proto.Opcode, argsCapacity int, encodeArgs func(*wire.Encoder)) (*wire.Decoder, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, zfserr.New("rpc.Call", zfserr.CONNECTION_LOST, fmt.Errorf("connection closed"))
	}
	c.nextReqID++
	reqID := c.nextReqID
	gen := c.generation
	entry := &inflight{generation: gen, deadline: c.clk.Now().Add(DefaultRequestTimeout), done: make(chan []byte, 1)}
	c.inflight[reqID] = entry
	c.mu.Unlock()

	req := proto.EncodeRequest(proto.RequestEnvelope{RequestID: reqID, Opcode: op, FromSID: c.node.ID}, argsCapacity)
	if encodeArgs != nil {
		encodeArgs(req)
	}
	if err := c.writeFrame(req.Bytes()); err != nil {
		c.dropInflight(reqID)
		return nil, zfserr.New("rpc.Call", zfserr.CONNECTION_LOST, err)
	}

	timer := time.NewTimer(DefaultRequestTimeout)
	defer timer.Stop()
	select {
	case frame, ok := <-entry.done:
		if !ok {
			return nil, zfserr.New("rpc.Call", zfserr.CONNECTION_LOST, fmt.Errorf("connection torn down while waiting for reply"))
		}
		if entry.generation != c.node.Generation() {
			return nil, zfserr.New("rpc.Call", zfserr.CONNECTION_LOST, fmt.Errorf("reply for request %d arrived under stale generation %d (node is now generation %d)", reqID, entry.generation, c.node.Generation()))
		}
		d, err := wire.NewDecoder(frame, 0)
		if err != nil {
			return nil, zfserr.New("rpc.Call", zfserr.INVALID_REPLY, err)
		}
		env, err := proto.DecodeReply(d)
		if err != nil {
			return nil, zfserr.New("rpc.Call", zfserr.INVALID_REPLY, err)
		}
		if env.Error != 0 {
			return nil, zfserr.New("rpc.Call", zfserr.Code(env.Error), nil)
		}
		return d, nil
	case <-timer.C:
		c.dropInflight(reqID)
		return nil, zfserr.New("rpc.Call", zfserr.TIMEOUT, fmt.Errorf("no reply for opcode %s within %s", op, DefaultRequestTimeout))
	case <-ctx.Done():
		c.dropInflight(reqID)
		return nil, zfserr.New("rpc.Call", zfserr.EXITING, ctx.Err())
	}
}

// Handshake drives §4.I's two-stage auth from this side of the
// connection: AUTH_STAGE1 exchanges node names, AUTH_STAGE2 sends the
// link-speed hint. Until both complete, the remote side refuses every data
// op with EACCES, so callers must Handshake before issuing any.
func (c *Conn) Handshake(ctx context.Context, localName string, linkSpeed uint32) (string, error) {
	d, err := c.Call(ctx, proto.AUTH_STAGE1, wire.MaxNode+8, func(e *wire.Encoder) {
		_ = e.PutNodeName(localName)
	})
	if err != nil {
		return "", err
	}
	peerName, err := d.GetNodeName()
	if err != nil {
		return "", zfserr.New("rpc.Handshake", zfserr.INVALID_REPLY, err)
	}
	if _, err := c.Call(ctx, proto.AUTH_STAGE2, 4, func(e *wire.Encoder) {
		_ = e.PutU32(linkSpeed)
	}); err != nil {
		return "", err
	}
	return peerName, nil
}

func (c *Conn) dropInflight(reqID uint32) {
	c.mu.Lock()
	delete(c.inflight, reqID)
	c.mu.Unlock()
}

func (c *Conn) writeFrame(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(b)
	return err
}

// readLoop reads frames off the wire, demultiplexing each onto the
// in-flight map by request_id (§4.K "hands the buffer to a demultiplexer
// that looks up request_id in an in-flight map"); an unmatched request_id
// is a fresh inbound request, enqueued on the network worker pool so the
// reader itself is never blocked running a handler.
func (c *Conn) readLoop() {
	for {
		frame, err := readFrame(c.nc)
		if err != nil {
			c.Close(zfserr.New("rpc.readLoop", zfserr.CONNECTION_LOST, err))
			return
		}
		atomic.StoreInt32(&c.missedHeartbeats, 0)

		reqID, ok := peekRequestID(frame)
		if !ok {
			continue
		}

		c.mu.Lock()
		entry, isReply := c.inflight[reqID]
		if isReply {
			delete(c.inflight, reqID)
		}
		c.mu.Unlock()

		// A frame whose request_id matches one of our own still-pending
		// calls is that call's reply; §4.K scopes the in-flight map to
		// (peer, request_id), and Conn is already per-peer, so membership
		// alone disambiguates direction without a separate request/reply
		// tag on the wire.
		if isReply {
			select {
			case entry.done <- frame:
			default:
			}
			continue
		}

		frameCopy := append([]byte(nil), frame...)
		if submitErr := c.pool.Submit(func() { c.handleInbound(frameCopy) }); submitErr != nil {
			// Pool stopped: the peer gets nothing back, matching §5's
			// "running=false ... ZFS_EXITING" rule applied to inbound work
			// that never got a chance to run.
			continue
		}
	}
}

// peekRequestID reads the request_id field shared by both envelope shapes
// directly off the frame, without committing to either decode, so the
// demultiplexer can decide which one applies before parsing further.
func peekRequestID(frame []byte) (uint32, bool) {
	const requestIDOffset = 4 // past the 4-byte length prefix
	if len(frame) < requestIDOffset+4 {
		return 0, false
	}
	v := uint32(frame[requestIDOffset]) | uint32(frame[requestIDOffset+1])<<8 |
		uint32(frame[requestIDOffset+2])<<16 | uint32(frame[requestIDOffset+3])<<24
	return v, true
}

func (c *Conn) handleInbound(frame []byte) {
	// The dispatch bound is the whole frame, which carries envelope and
	// argument overhead beyond its MaxData-bounded bulk buffer.
	reply := c.table.Dispatch(context.Background(), c.peer, frame, maxFrameSize)
	if reply == nil {
		return
	}
	c.writeFrame(reply)
}

// heartbeatLoop sends a PING every HeartbeatPeriod, busy or idle, and tears
// the connection down after MaxMissedHeartbeats consecutive periods in which
// no frame at all arrived (any inbound frame resets the count).
func (c *Conn) heartbeatLoop() {
	ticker := time.NewTicker(HeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.doneCh:
			return
		case <-ticker.C:
			missed := atomic.AddInt32(&c.missedHeartbeats, 1)
			if missed > MaxMissedHeartbeats {
				c.Close(zfserr.New("rpc.heartbeat", zfserr.CONNECTION_LOST, fmt.Errorf("missed %d heartbeats", missed-1)))
				return
			}
			c.sendPing()
			c.reapExpired()
		}
	}
}

// reapExpired drops any in-flight entry whose deadline has already passed
// without Call's own timer having caught it yet (e.g. while this goroutine
// was busy elsewhere); a reply that arrives after its entry is reaped falls
// through readLoop's unmatched-request_id path and is discarded there, per
// §4.K "replies beyond a per-request timeout are dropped".
func (c *Conn) reapExpired() {
	now := c.clk.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.inflight {
		if now.After(entry.deadline) {
			close(entry.done)
			delete(c.inflight, id)
		}
	}
}

func (c *Conn) sendPing() {
	nonce := uuid.New()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.nextReqID++
	reqID := c.nextReqID
	// The ping's reply must be claimable by the demultiplexer, or readLoop
	// would mistake it for a fresh inbound request. Nothing waits on the
	// entry; the reply (or reapExpired) retires it.
	c.inflight[reqID] = &inflight{
		generation: c.generation,
		deadline:   c.clk.Now().Add(HeartbeatPeriod),
		done:       make(chan []byte, 1),
	}
	c.mu.Unlock()
	req := proto.EncodeRequest(proto.RequestEnvelope{RequestID: reqID, Opcode: proto.PING, FromSID: c.node.ID}, 16)
	_ = req.PutBytes(nonce[:], 16)
	c.writeFrame(req.Bytes())
}

// readFrame reads one length-prefixed frame off r: a 4-byte little-endian
// length (inclusive of itself) followed by length-4 further bytes.
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := int(lenBuf[0]) | int(lenBuf[1])<<8 | int(lenBuf[2])<<16 | int(lenBuf[3])<<24
	if length < 4 || length > maxFrameSize {
		return nil, fmt.Errorf("rpc: frame length %d out of bounds", length)
	}
	frame := make([]byte, length)
	copy(frame, lenBuf[:])
	if _, err := io.ReadFull(r, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}
