package client

import (
	"encoding/json"
	"net"

	"mini-rpc/codec"
	"mini-rpc/message"
	"mini-rpc/protocol"
	"mini-rpc/rpcerr"
)

// SimpleConnection is the one-request-at-a-time alternative to
// transport.ClientTransport: no recvLoop, no heartbeatLoop, no multiplexing.
// Call writes a request and then reads the very next frame off the wire,
// trusting that nothing else is sharing the connection. If the sequence
// number on that frame doesn't match what was just written, the mismatch is
// fatal — the connection is closed, and the caller must not reuse it.
type SimpleConnection struct {
	conn      net.Conn
	codecType codec.CodecType
	seq       uint32
}

// NewSimpleConnection wraps conn for single-outstanding-request use.
func NewSimpleConnection(conn net.Conn, codecType codec.CodecType) *SimpleConnection {
	return &SimpleConnection{conn: conn, codecType: codecType}
}

// Call writes serviceMethod/args and blocks for the matching response.
func (c *SimpleConnection) Call(serviceMethod string, args any) (*message.RPCMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindSerializationError, err)
	}

	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	seq := c.seq

	rpcMessage := message.RPCMessage{
		IsRequest:     true,
		ServiceMethod: serviceMethod,
		Payload:       payload,
	}
	cdc := codec.GetCodec(c.codecType)
	body, err := cdc.Encode(&rpcMessage)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindSerializationError, err)
	}

	header := protocol.Header{
		CodecType: byte(c.codecType),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}
	if err := protocol.Encode(c.conn, &header, body); err != nil {
		c.conn.Close()
		return nil, rpcerr.Wrap(rpcerr.KindConnectionWriteTimeout, err)
	}

	respHeader, respBody, err := protocol.Decode(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, rpcerr.Wrap(rpcerr.KindConnectionReadTimeout, err)
	}

	// The defining invariant of the simple connection: the frame read back
	// must be the response to the request just written. Any other sequence
	// number means something else wrote to or read from this socket
	// concurrently, and the connection can no longer be trusted.
	if respHeader.Seq != seq {
		c.conn.Close()
		return nil, rpcerr.New(rpcerr.KindInvalidPacket,
			"response sequence mismatch: simple connection is not safe for concurrent use")
	}

	response := &message.RPCMessage{}
	if err := codec.GetCodec(codec.CodecType(respHeader.CodecType)).Decode(respBody, response); err != nil {
		c.conn.Close()
		return nil, rpcerr.Wrap(rpcerr.KindDeserializationError, err)
	}
	return response, nil
}

// Close closes the underlying connection.
func (c *SimpleConnection) Close() error {
	return c.conn.Close()
}
