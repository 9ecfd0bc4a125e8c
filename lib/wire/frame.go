// Copyright 2026 The Spawnd Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/spawnd-project/spawnd/lib/codec"
)

// ProtocolVersion is the wire protocol version this build speaks. A
// frame carrying any other version is rejected and the session closed.
const ProtocolVersion = 1

// headerSize is the fixed frame header: version byte, type byte, two
// reserved zero bytes, then the payload length as a big-endian uint32.
const headerSize = 8

// MaxFrameSize bounds a whole frame (header plus CBOR payload). The
// largest legitimate frame is a Launch carrying a full environment;
// 1 MiB is generous for that. The transport is SOCK_SEQPACKET: a
// datagram larger than the reader's buffer is truncated by the
// kernel, so both sides size their buffers to this constant.
const MaxFrameSize = 1 << 20

// ErrUnknownType reports a frame whose type byte is outside the known
// message set.
type ErrUnknownType struct {
	Type MsgType
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %d", e.Type)
}

// EncodeFrame serializes a frame: header plus CBOR payload.
func EncodeFrame(msgType MsgType, payload any) ([]byte, error) {
	body, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %d payload: %w", msgType, err)
	}
	if headerSize+len(body) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d bytes", headerSize+len(body))
	}
	frame := make([]byte, headerSize+len(body))
	frame[0] = ProtocolVersion
	frame[1] = byte(msgType)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(body)))
	copy(frame[headerSize:], body)
	return frame, nil
}

// Frame is a decoded frame header with its still-encoded payload.
type Frame struct {
	Type    MsgType
	Payload codec.RawMessage
}

// DecodeFrame parses one frame from data. The payload is left as raw
// CBOR; call Decode once the type has been dispatched. Errors are
// protocol errors: the session that produced them must be closed.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < headerSize {
		return Frame{}, fmt.Errorf("short frame: %d bytes", len(data))
	}
	if data[0] != ProtocolVersion {
		return Frame{}, fmt.Errorf("protocol version %d, want %d", data[0], ProtocolVersion)
	}
	if data[2] != 0 || data[3] != 0 {
		return Frame{}, fmt.Errorf("nonzero reserved header bytes")
	}
	length := binary.BigEndian.Uint32(data[4:8])
	if int(length) != len(data)-headerSize {
		return Frame{}, fmt.Errorf("payload length %d does not match frame size %d", length, len(data)-headerSize)
	}
	msgType := MsgType(data[1])
	switch msgType {
	case MsgHello, MsgLaunch, MsgLaunchAccepted, MsgLaunchRejected, MsgTerminated:
	default:
		return Frame{}, &ErrUnknownType{Type: msgType}
	}
	return Frame{Type: msgType, Payload: codec.RawMessage(data[headerSize:])}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := codec.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("decoding %d payload: %w", f.Type, err)
	}
	return nil
}
