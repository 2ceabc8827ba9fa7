// internal/channel/usbtmc.go
package channel

import (
	"encoding/binary"
	"fmt"
)

// USBTMC bulk message ids
const (
	usbtmcDevDepMsgOut       = 1
	usbtmcRequestDevDepMsgIn = 2
	usbtmcDevDepMsgIn        = 2

	usbtmcHeaderSize = 12
	usbtmcEOM        = 0x01
)

// encodeDevDepMsgOut wraps data in a DEV_DEP_MSG_OUT transfer with EOM set
func encodeDevDepMsgOut(tag byte, data []byte) []byte {
	size := usbtmcHeaderSize + len(data)
	if pad := size % 4; pad != 0 {
		size += 4 - pad
	}

	frame := make([]byte, size)
	frame[0] = usbtmcDevDepMsgOut
	frame[1] = tag
	frame[2] = ^tag
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(data)))
	frame[8] = usbtmcEOM
	copy(frame[usbtmcHeaderSize:], data)
	return frame
}

// encodeRequestDevDepMsgIn asks the instrument for up to maxSize bytes of reply
func encodeRequestDevDepMsgIn(tag byte, maxSize int) []byte {
	frame := make([]byte, usbtmcHeaderSize)
	frame[0] = usbtmcRequestDevDepMsgIn
	frame[1] = tag
	frame[2] = ^tag
	binary.LittleEndian.PutUint32(frame[4:8], uint32(maxSize))
	return frame
}

// decodeDevDepMsgIn extracts the payload of a DEV_DEP_MSG_IN transfer
func decodeDevDepMsgIn(frame []byte, tag byte) ([]byte, bool, error) {
	if len(frame) < usbtmcHeaderSize {
		return nil, false, fmt.Errorf("short USBTMC transfer: %d bytes", len(frame))
	}
	if frame[0] != usbtmcDevDepMsgIn {
		return nil, false, fmt.Errorf("unexpected USBTMC message id %d", frame[0])
	}
	if frame[1] != tag || frame[2] != ^tag {
		return nil, false, fmt.Errorf("USBTMC tag mismatch: got %d, want %d", frame[1], tag)
	}

	size := int(binary.LittleEndian.Uint32(frame[4:8]))
	available := len(frame) - usbtmcHeaderSize
	if size > available {
		size = available
	}
	eom := frame[8]&usbtmcEOM != 0
	return frame[usbtmcHeaderSize : usbtmcHeaderSize+size], eom, nil
}

// nextTag cycles bTag through 1..255
func nextTag(tag byte) byte {
	tag++
	if tag == 0 {
		tag = 1
	}
	return tag
}
