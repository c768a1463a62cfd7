// Package transport implements the client-side transport layer with multiplexing and heartbeat.
//
// ClientTransport enables multiple concurrent RPC calls over a single TCP connection.
// The key insight: each request gets a unique sequence ID, and a background goroutine (recvLoop)
// continuously reads responses and routes them to the correct caller via pending channels.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] chan ← response → goroutine-2 wakes up
//
// Bounds: at most defaultMaxPendingWrites Send calls may be in flight waiting for
// their frame to hit the wire, and at most 4 heartbeats may go unanswered
// before the connection is declared dead and closed — mirroring the
// framework's per-connection state machine.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
)

const (
	defaultMaxPendingWrites  = 4096
	maxOutstandingHeartbeats = 4
)

// ClientTransport manages a single multiplexed TCP connection.
type ClientTransport struct {
	conn    net.Conn        // Underlying TCP connection
	codec   codec.CodecType // Serialization format for this transport
	seq     uint32          // Monotonically increasing sequence number (protected by sending mutex)
	pending sync.Map        // map[uint32]chan *message.RPCMessage — each request waits on its own channel
	sending sync.Mutex      // Write lock — multiple goroutines share one conn, writes must be serialized
	//                        to prevent frame interleaving (req A's header + req B's body = corruption)

	pendingCount int32 // Current in-flight Send calls, bounded by maxPending
	maxPending   int32

	heartbeatMu      sync.Mutex
	outstandingBeats map[uint32]struct{} // Heartbeat seqs sent without a response yet
	heartbeatFunc    func() []byte       // Optional payload builder; nil sends an empty-body beat

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClientTransport creates a transport for the given connection and starts two background goroutines:
//   - recvLoop: continuously reads responses from the connection and dispatches to pending callers
//   - heartbeatLoop: sends periodic heartbeat frames to detect dead connections
func NewClientTransport(conn net.Conn, codec codec.CodecType) *ClientTransport {
	transport := &ClientTransport{
		conn:             conn,
		codec:            codec,
		maxPending:       defaultMaxPendingWrites,
		outstandingBeats: make(map[uint32]struct{}),
	}
	go transport.recvLoop()
	go transport.heartbeatLoop(30 * time.Second)
	return transport
}

// IsClosed reports whether the transport's connection has been torn down,
// satisfying the connection pool's Conn interface.
func (t *ClientTransport) IsClosed() bool {
	return t.closed.Load()
}

// SetHeartbeatFunc installs a payload builder invoked before every
// heartbeat frame is sent, letting a caller carry liveness metadata (load,
// client version, last-seen sequence) instead of an empty beat. Must be
// called before traffic starts to avoid racing heartbeatLoop.
func (t *ClientTransport) SetHeartbeatFunc(fn func() []byte) {
	t.heartbeatFunc = fn
}

// Send serializes and sends an RPC request over the connection.
// Returns the sequence number and a channel that will receive the response.
//
// Thread safety: the sending mutex ensures that the entire frame (header + body)
// is written atomically. Without this lock, concurrent writes would interleave
// bytes from different requests, corrupting the TCP stream.
func (t *ClientTransport) Send(serviceMethod string, args any) (uint32, <-chan *message.RPCMessage, error) {
	if t.closed.Load() {
		return 0, nil, rpcerr.New(rpcerr.KindConnectionAbortError, "write abort: connection is closed")
	}

	if atomic.AddInt32(&t.pendingCount, 1) > t.maxPending {
		atomic.AddInt32(&t.pendingCount, -1)
		return 0, nil, rpcerr.New(rpcerr.KindMaxPendingWritesReached, "max pending writes reached")
	}
	defer atomic.AddInt32(&t.pendingCount, -1)

	t.sending.Lock()
	defer t.sending.Unlock()

	// Assign a unique sequence number for this request (protected by sending mutex);
	// wraps back to 1 on overflow rather than to 0.
	t.seq++
	if t.seq == 0 {
		t.seq = 1
	}
	seq := t.seq

	// Step 1: Serialize args to JSON bytes
	payload, err := json.Marshal(args)
	if err != nil {
		return 0, nil, rpcerr.Wrap(rpcerr.KindSerializationError, err)
	}

	// Step 2: Wrap in RPCMessage and encode with the configured codec
	rpcMessage := message.RPCMessage{
		IsRequest:     true,
		ServiceMethod: serviceMethod,
		Payload:       payload,
	}
	cdc := codec.GetCodec(t.codec)
	body, err := cdc.Encode(&rpcMessage)
	if err != nil {
		return 0, nil, rpcerr.Wrap(rpcerr.KindSerializationError, err)
	}

	// Step 3: Build the protocol frame header
	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	// Step 4: Register a response channel BEFORE sending (avoid race with recvLoop)
	respChan := make(chan *message.RPCMessage, 1) // Buffered to prevent recvLoop from blocking
	t.pending.Store(seq, respChan)

	// Step 5: Write the frame to the TCP connection
	err = protocol.Encode(t.conn, &header, body)
	if err != nil {
		t.pending.Delete(seq) // Clean up on failure
		t.closeWithErr(err)
		return 0, nil, rpcerr.Wrap(rpcerr.KindConnectionWriteTimeout, err)
	}

	return seq, respChan, nil
}

// recvLoop runs in a dedicated goroutine, continuously reading responses from the connection.
// For each response, it looks up the sequence number in the pending map, finds the caller's
// channel, and sends the response. This is the core of multiplexing — responses can arrive
// in any order, and each one is routed to the correct waiting goroutine.
//
// Why a single goroutine for reading? TCP is a byte stream — reads must be sequential
// to correctly parse frame boundaries. Multiple readers would corrupt the stream.
func (t *ClientTransport) recvLoop() {
	for {
		// Read one complete frame from the connection
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			// Connection broken — notify all pending callers
			t.closeWithErr(err)
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			t.heartbeatMu.Lock()
			delete(t.outstandingBeats, header.Seq)
			t.heartbeatMu.Unlock()
			continue
		}

		// Deserialize the response body
		responseRPC := message.RPCMessage{}
		cdc := codec.GetCodec(codec.CodecType(header.CodecType))
		cdc.Decode(body, &responseRPC)

		// Route the response to the correct caller using the sequence number
		if channel, ok := t.pending.LoadAndDelete(header.Seq); ok {
			channel.(chan *message.RPCMessage) <- &responseRPC
		}
		// else: arrived before anyone asked for it. Send already registers the
		// channel before writing, so an unclaimed response here only happens
		// for a transaction ID this transport no longer tracks, and is safe
		// to drop.
	}
}

// closeAllPending is called when the connection breaks. It sends an error message
// to every pending caller so they don't block forever waiting for a response.
func (t *ClientTransport) closeAllPending(err error) {
	t.pending.Range(func(key, value any) bool {
		channel := value.(chan *message.RPCMessage)
		channel <- &message.RPCMessage{Error: err.Error()}
		return true
	})
	t.pending.Clear()
}

func (t *ClientTransport) closeWithErr(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.conn.Close()
		t.closeAllPending(err)
	})
}

// Close idempotently tears down the transport, aborting every outstanding read.
func (t *ClientTransport) Close() error {
	t.closeWithErr(errors.New("connection closed"))
	return nil
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}

// The following delegate to the underlying net.Conn so *ClientTransport
// itself satisfies the Conn interface the connection pool borrows — a
// pooled transport is handed out and used exactly like a raw connection
// by anything that doesn't need multiplexed Send/recvLoop semantics.

func (t *ClientTransport) Read(b []byte) (int, error)  { return t.conn.Read(b) }
func (t *ClientTransport) Write(b []byte) (int, error) { return t.conn.Write(b) }

func (t *ClientTransport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
func (t *ClientTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *ClientTransport) SetDeadline(d time.Time) error      { return t.conn.SetDeadline(d) }
func (t *ClientTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *ClientTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }

// heartbeatLoop sends periodic heartbeat frames to keep the connection alive.
// If the server doesn't receive any data for a long time, it may close the connection.
// Heartbeat frames have MsgType=Heartbeat and an empty body unless SetHeartbeatFunc
// installed a function that supplies one, so they're very lightweight.
//
// If 4 heartbeats go unanswered, the connection is declared dead and closed —
// the receiving side is presumed gone even though the socket itself has not
// yet errored.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if t.closed.Load() {
			return
		}

		t.heartbeatMu.Lock()
		if len(t.outstandingBeats) >= maxOutstandingHeartbeats {
			t.heartbeatMu.Unlock()
			t.closeWithErr(fmt.Errorf("too many missing heartbeats"))
			return
		}
		var beatBody []byte
		if t.heartbeatFunc != nil {
			beatBody = t.heartbeatFunc()
		}

		t.sending.Lock()
		t.seq++
		if t.seq == 0 {
			t.seq = 1
		}
		seq := t.seq
		header := &protocol.Header{
			MsgType: protocol.MsgTypeHeartbeat,
			Seq:     seq,
			BodyLen: uint32(len(beatBody)),
		}
		err := protocol.Encode(t.conn, header, beatBody)
		t.sending.Unlock()
		if err != nil {
			t.heartbeatMu.Unlock()
			t.closeWithErr(err)
			return
		}
		t.outstandingBeats[seq] = struct{}{}
		t.heartbeatMu.Unlock()
	}
}
