package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"mini-rpc/message"
)

// BinaryCodec implements a custom binary serialization for RPCMessage.
//
// Binary format:
//
//	┌────────┬─────────────┬──────────────┬──────────────┬─────────┬────────────┬───────┬────────────┬──────┬────────────┬────────┐
//	│IsReq(1)│MethodLen(2) │ Method bytes │ PayloadLen(4)│ Payload │ ErrLen(2)  │ Error │ KWArgsLen(4)│KWArgs│ MetaLen(4) │ Meta   │
//	└────────┴─────────────┴──────────────┴──────────────┴─────────┴────────────┴───────┴────────────┴──────┴────────────┴────────┘
//
// Note: the payload itself (args/reply) is still JSON-encoded. The performance gain
// comes from encoding the outer RPCMessage fields in binary instead of JSON,
// avoiding the overhead of JSON field names and string escaping. KWArgs, when
// present, is itself a JSON object of name -> base64-encoded bytes, kept as an opaque
// blob here since it is rarely populated.
// Benchmark: ~65 ns/op vs JSON's ~589 ns/op (9x faster).
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}

	var kwArgsBlob []byte
	if len(msg.KWArgs) > 0 {
		blob, err := json.Marshal(msg.KWArgs)
		if err != nil {
			return nil, err
		}
		kwArgsBlob = blob
	}

	// Pre-calculate total buffer size to avoid multiple allocations
	total := 1 + 2 + len(msg.ServiceMethod) + 4 + len(msg.Payload) + 2 + len(msg.Error) +
		4 + len(kwArgsBlob) + 4 + len(msg.Meta)
	buf := make([]byte, total)

	offset := 0

	// IsRequest: 1 byte
	if msg.IsRequest {
		buf[offset] = 1
	}
	offset++

	// ServiceMethod: 2-byte length prefix + string bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.ServiceMethod)))
	offset += 2
	copy(buf[offset:offset+len(msg.ServiceMethod)], []byte(msg.ServiceMethod))
	offset += len(msg.ServiceMethod)

	// Payload: 4-byte length prefix + raw bytes (supports up to 4GB payload)
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Payload)))
	offset += 4
	copy(buf[offset:offset+len(msg.Payload)], msg.Payload)
	offset += len(msg.Payload)

	// Error: 2-byte length prefix + string bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(msg.Error)))
	offset += 2
	copy(buf[offset:offset+len(msg.Error)], []byte(msg.Error))
	offset += len(msg.Error)

	// KWArgs: 4-byte length prefix + JSON blob
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(kwArgsBlob)))
	offset += 4
	copy(buf[offset:offset+len(kwArgsBlob)], kwArgsBlob)
	offset += len(kwArgsBlob)

	// Meta: 4-byte length prefix + raw bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(msg.Meta)))
	offset += 4
	copy(buf[offset:offset+len(msg.Meta)], msg.Meta)

	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}

	offset := 0

	// Read IsRequest
	msg.IsRequest = data[offset] == 1
	offset++

	// Read ServiceMethod
	strLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	msg.ServiceMethod = string(data[offset : offset+int(strLen)])
	offset += int(strLen)

	// Read Payload
	payloadLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	msg.Payload = make([]byte, payloadLen)
	copy(msg.Payload, data[offset:offset+int(payloadLen)])
	offset += int(payloadLen)

	// Read Error
	errLen := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	msg.Error = string(data[offset : offset+int(errLen)])
	offset += int(errLen)

	// Read KWArgs
	kwLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if kwLen > 0 {
		var kwArgs map[string][]byte
		if err := json.Unmarshal(data[offset:offset+int(kwLen)], &kwArgs); err != nil {
			return err
		}
		msg.KWArgs = kwArgs
	} else {
		msg.KWArgs = nil
	}
	offset += int(kwLen)

	// Read Meta
	metaLen := binary.BigEndian.Uint32(data[offset : offset+4])
	offset += 4
	if metaLen > 0 {
		msg.Meta = make([]byte, metaLen)
		copy(msg.Meta, data[offset:offset+int(metaLen)])
	} else {
		msg.Meta = nil
	}

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
