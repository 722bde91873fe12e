// Package wire implements the Wayland wire format: message framing,
// argument marshalling driven by protocol signatures, and a non-blocking
// local socket transport that carries file descriptors out of band.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	HeaderSize     = 8
	MaxMessageSize = 4096

	// MaxFDsOut is the number of descriptors sent with a single sendmsg.
	MaxFDsOut = 28
)

// Wayland uses host byte order on the wire.
var order = binary.NativeEndian

// Header is the fixed 8-byte message header.
type Header struct {
	ObjectID uint32
	Opcode   uint16
	// Size is the total message size in bytes, header included.
	Size uint16
}

// Put writes h to the first HeaderSize bytes of b.
func (h Header) Put(b []byte) {
	order.PutUint32(b[0:4], h.ObjectID)
	// Upper 16 bits = size, lower 16 bits = opcode
	order.PutUint32(b[4:8], uint32(h.Size)<<16|uint32(h.Opcode))
}

// ParseHeader decodes and validates a header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	word := order.Uint32(b[4:8])
	h := Header{
		ObjectID: order.Uint32(b[0:4]),
		Opcode:   uint16(word & 0xffff),
		Size:     uint16(word >> 16),
	}
	switch {
	case h.Size < HeaderSize || h.Size%4 != 0:
		return h, fmt.Errorf("%w: %d bytes for object %d", ErrBadSize, h.Size, h.ObjectID)
	case h.Size > MaxMessageSize:
		return h, fmt.Errorf("%w: %d bytes for object %d", ErrMessageTooLarge, h.Size, h.ObjectID)
	}
	return h, nil
}

func pad4(n int) int {
	return (n + 3) &^ 3
}
