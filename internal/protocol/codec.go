// internal/protocol/codec.go
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	frameSync       = 0xA5
	frameHeaderSize = 4 // sync, function id, length (u16 LE)
	maxFramePayload = 0xFFFF

	// DefaultMaxPayload is used when FrameCodec.MaxPayload is zero
	DefaultMaxPayload = 4096
)

var (
	// ErrIncomplete means more bytes are needed to decode a frame
	ErrIncomplete = errors.New("incomplete frame")
	// ErrChecksum means a frame was dropped because its checksum did not match
	ErrChecksum = errors.New("frame checksum mismatch")
	// ErrOversized means a sync byte announced a payload above the limit
	ErrOversized = errors.New("frame payload too large")
)

// Request is one function call to an RPC instrument
type Request struct {
	FunctionID uint8
	Args       []byte
}

// Reply is one decoded RPC frame
type Reply struct {
	FunctionID uint8  `json:"function_id"`
	Payload    []byte `json:"payload"`
}

// Codec converts RPC requests and replies to bytes
type Codec interface {
	Encode(req Request) ([]byte, error)

	// Decode decodes the first frame in data and reports how many bytes to drop.
	// It returns ErrIncomplete when data holds only a partial frame; any other
	// error still consumes at least one byte so the caller can resynchronize.
	Decode(data []byte) (Reply, int, error)
}

// FrameCodec is the default framing:
// [0xA5][function id][payload length u16 LE][payload][checksum]
// where the checksum makes the byte sum of everything after sync zero.
// A header announcing more than MaxPayload bytes is not a frame start.
type FrameCodec struct {
	MaxPayload int
}

func (c FrameCodec) maxPayload() int {
	if c.MaxPayload <= 0 || c.MaxPayload > maxFramePayload {
		return DefaultMaxPayload
	}
	return c.MaxPayload
}

// Encode builds a request frame
func (c FrameCodec) Encode(req Request) ([]byte, error) {
	if len(req.Args) > c.maxPayload() {
		return nil, fmt.Errorf("payload too large: %d bytes", len(req.Args))
	}

	frame := make([]byte, 0, frameHeaderSize+len(req.Args)+1)
	frame = append(frame, frameSync, req.FunctionID)
	frame = binary.LittleEndian.AppendUint16(frame, uint16(len(req.Args)))
	frame = append(frame, req.Args...)
	frame = append(frame, checksum(frame[1:]))
	return frame, nil
}

// Decode decodes the first frame in data, skipping leading garbage
func (c FrameCodec) Decode(data []byte) (Reply, int, error) {
	start := bytes.IndexByte(data, frameSync)
	if start < 0 {
		return Reply{}, len(data), ErrIncomplete
	}

	frame := data[start:]
	if len(frame) < frameHeaderSize {
		return Reply{}, start, ErrIncomplete
	}
	length := int(binary.LittleEndian.Uint16(frame[2:4]))
	if length > c.maxPayload() {
		return Reply{}, start + 1, fmt.Errorf("%w: %d bytes", ErrOversized, length)
	}
	total := frameHeaderSize + length + 1
	if len(frame) < total {
		return Reply{}, start, ErrIncomplete
	}

	if checksum(frame[1:total-1]) != frame[total-1] {
		return Reply{}, start + 1, ErrChecksum
	}

	return Reply{
		FunctionID: frame[1],
		Payload:    append([]byte(nil), frame[frameHeaderSize:total-1]...),
	}, start + total, nil
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return -sum
}
