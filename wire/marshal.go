package wire

import (
	"fmt"
	"math"
	"strings"

	"github.com/bnema/wlproto/protocol"
)

// Object represents a Wayland object
type Object interface {
	ID() uint32
}

// ObjectID is a decoded object argument.
type ObjectID uint32

// ID implements Object.
func (id ObjectID) ID() uint32 { return uint32(id) }

// NewID is a new_id argument. Interface and Version are only carried on
// the wire when the signature does not name the interface.
type NewID struct {
	Interface string
	Version   uint32
	ID        uint32
}

// typedObject is implemented by objects that know their interface.
type typedObject interface {
	Object
	Interface() *protocol.Interface
}

// AppendMessage encodes one message and appends it to dst. The returned
// descriptors belong to the caller and must be sent in order alongside the
// bytes. On error dst is returned unchanged.
func AppendMessage(dst []byte, objectID uint32, opcode uint16, msg *protocol.Message, args []any) ([]byte, []int, error) {
	if len(args) != len(msg.Args) {
		return dst, nil, fmt.Errorf("%w: %s takes %d, got %d", ErrArgCount, msg.Name, len(msg.Args), len(args))
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)

	var fds []int
	for i, desc := range msg.Args {
		var err error
		dst, fds, err = appendArg(dst, fds, desc, args[i])
		if err != nil {
			return dst[:start], nil, fmt.Errorf("%s arg %d (%s): %w", msg.Name, i, desc.Type, err)
		}
	}

	size := len(dst) - start
	if size > MaxMessageSize {
		return dst[:start], nil, fmt.Errorf("%w: %s is %d bytes", ErrMessageTooLarge, msg.Name, size)
	}
	if len(fds) > MaxFDsOut {
		return dst[:start], nil, fmt.Errorf("%w: %s carries %d", ErrTooManyFDs, msg.Name, len(fds))
	}

	Header{ObjectID: objectID, Opcode: opcode, Size: uint16(size)}.Put(dst[start:])
	return dst, fds, nil
}

func appendArg(dst []byte, fds []int, desc protocol.Arg, arg any) ([]byte, []int, error) {
	switch desc.Type {
	case protocol.TypeInt:
		switch v := arg.(type) {
		case int32:
			return appendUint(dst, uint32(v)), fds, nil
		case int:
			if v < math.MinInt32 || v > math.MaxInt32 {
				return dst, fds, fmt.Errorf("%w: %d overflows int32", ErrArgType, v)
			}
			return appendUint(dst, uint32(int32(v))), fds, nil
		}

	case protocol.TypeUint:
		switch v := arg.(type) {
		case uint32:
			return appendUint(dst, v), fds, nil
		case uint:
			if uint64(v) > math.MaxUint32 {
				return dst, fds, fmt.Errorf("%w: %d overflows uint32", ErrArgType, v)
			}
			return appendUint(dst, uint32(v)), fds, nil
		case int:
			if v < 0 || int64(v) > math.MaxUint32 {
				return dst, fds, fmt.Errorf("%w: %d overflows uint32", ErrArgType, v)
			}
			return appendUint(dst, uint32(v)), fds, nil
		}

	case protocol.TypeFixed:
		switch v := arg.(type) {
		case Fixed:
			return appendUint(dst, uint32(v)), fds, nil
		case float64:
			return appendUint(dst, uint32(NewFixed(v))), fds, nil
		}

	case protocol.TypeString:
		switch v := arg.(type) {
		case nil:
			if !desc.Nullable {
				return dst, fds, ErrNullArgument
			}
			return appendUint(dst, 0), fds, nil
		case string:
			if strings.IndexByte(v, 0) >= 0 {
				return dst, fds, fmt.Errorf("%w: string contains NUL", ErrArgType)
			}
			return appendString(dst, v), fds, nil
		}

	case protocol.TypeObject:
		id, err := objectArg(desc, arg)
		if err != nil {
			return dst, fds, err
		}
		if id == 0 && !desc.Nullable {
			return dst, fds, ErrNullArgument
		}
		return appendUint(dst, id), fds, nil

	case protocol.TypeNewID:
		if desc.Interface == nil {
			v, ok := arg.(NewID)
			if !ok {
				break
			}
			if v.Interface == "" || v.ID == 0 {
				return dst, fds, ErrNullArgument
			}
			if strings.IndexByte(v.Interface, 0) >= 0 {
				return dst, fds, fmt.Errorf("%w: interface name contains NUL", ErrArgType)
			}
			dst = appendString(dst, v.Interface)
			dst = appendUint(dst, v.Version)
			return appendUint(dst, v.ID), fds, nil
		}
		var id uint32
		switch v := arg.(type) {
		case NewID:
			id = v.ID
		default:
			var err error
			if id, err = objectArg(desc, arg); err != nil {
				return dst, fds, err
			}
		}
		if id == 0 {
			return dst, fds, ErrNullArgument
		}
		return appendUint(dst, id), fds, nil

	case protocol.TypeArray:
		if v, ok := arg.([]byte); ok {
			dst = appendUint(dst, uint32(len(v)))
			dst = append(dst, v...)
			return appendPad(dst, len(v)), fds, nil
		}

	case protocol.TypeFD:
		// File descriptors travel via SCM_RIGHTS, never in the payload.
		switch v := arg.(type) {
		case int:
			if v < 0 {
				return dst, fds, fmt.Errorf("%w: invalid fd %d", ErrArgType, v)
			}
			return dst, append(fds, v), nil
		case uintptr:
			return dst, append(fds, int(v)), nil
		}
	}
	return dst, fds, fmt.Errorf("%w: %T", ErrArgType, arg)
}

func objectArg(desc protocol.Arg, arg any) (uint32, error) {
	switch v := arg.(type) {
	case nil:
		return 0, nil
	case uint32:
		return v, nil
	case typedObject:
		if v.ID() != 0 && desc.Interface != nil && !desc.Interface.Is(v.Interface()) {
			return 0, fmt.Errorf("%w: want %s, got %s", ErrInterfaceMismatch, desc.Interface, v.Interface())
		}
		return v.ID(), nil
	case Object:
		return v.ID(), nil
	}
	return 0, fmt.Errorf("%w: %T", ErrArgType, arg)
}

func appendUint(dst []byte, v uint32) []byte {
	return order.AppendUint32(dst, v)
}

// String format: length (including NUL) + bytes + NUL + padding
func appendString(dst []byte, s string) []byte {
	n := len(s) + 1
	dst = appendUint(dst, uint32(n))
	dst = append(dst, s...)
	dst = append(dst, 0)
	return appendPad(dst, n)
}

func appendPad(dst []byte, n int) []byte {
	for i := n; i < pad4(n); i++ {
		dst = append(dst, 0)
	}
	return dst
}
