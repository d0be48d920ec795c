package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Inbound binary frames carry a 4-byte header followed by the payload:
// [msg_type:1][reserved:1][payload_length:2 big-endian][payload].
// Outbound audio is written as a raw binary message with no header.
const FrameHeaderSize = 4

type FrameType byte

const (
	FrameAudio FrameType = 0
	FrameJSON  FrameType = 1
)

var (
	ErrMalformedFrame   = errors.New("malformed frame")
	ErrUnknownFrameType = errors.New("unknown frame type")
)

type Frame struct {
	Type    FrameType
	Payload []byte
}

// DecodeFrame validates and splits one inbound binary message. Malformed
// input is a reportable error, never a panic; callers drop the frame and
// keep the connection open.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < FrameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(data), FrameHeaderSize)
	}

	msgType := data[0]
	payloadLen := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) != FrameHeaderSize+payloadLen {
		return Frame{}, fmt.Errorf("%w: declared payload %d bytes, got %d", ErrMalformedFrame, payloadLen, len(data)-FrameHeaderSize)
	}

	switch FrameType(msgType) {
	case FrameAudio, FrameJSON:
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownFrameType, msgType)
	}

	return Frame{Type: FrameType(msgType), Payload: data[FrameHeaderSize:]}, nil
}

// EncodeFrame builds the wire form of a frame. Payloads above the u16 length
// field's range cannot be represented.
func EncodeFrame(t FrameType, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: payload %d bytes exceeds u16 length field", ErrMalformedFrame, len(payload))
	}
	buf := make([]byte, FrameHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[FrameHeaderSize:], payload)
	return buf, nil
}
