package wire

import (
	"bytes"
	"fmt"

	"github.com/bnema/wlproto/protocol"
	"golang.org/x/sys/unix"
)

// FDSource hands out received file descriptors in arrival order.
type FDSource interface {
	NextFD() (int, bool)
}

// Resolver maps object IDs found in a message to the interface of the live
// object. A nil interface with a nil error means the ID names an object
// that is being destroyed; such arguments decode as null.
type Resolver interface {
	Resolve(id uint32) (*protocol.Interface, error)
}

// Unmarshal decodes the argument payload of one message. Values are
// returned as int32, uint32, Fixed, string, ObjectID, NewID, []byte or int
// (file descriptor); null strings and objects are nil. The whole body must
// be consumed. Descriptors taken from fds are closed on error.
func Unmarshal(body []byte, msg *protocol.Message, fds FDSource, r Resolver) ([]any, error) {
	d := decoder{data: body}
	args := make([]any, len(msg.Args))
	var taken []int

	fail := func(i int, err error) ([]any, error) {
		for _, fd := range taken {
			_ = unix.Close(fd)
		}
		return nil, fmt.Errorf("%s arg %d (%s): %w", msg.Name, i, msg.Args[i].Type, err)
	}

	for i, desc := range msg.Args {
		switch desc.Type {
		case protocol.TypeInt:
			v, err := d.uint()
			if err != nil {
				return fail(i, err)
			}
			args[i] = int32(v)

		case protocol.TypeUint:
			v, err := d.uint()
			if err != nil {
				return fail(i, err)
			}
			args[i] = v

		case protocol.TypeFixed:
			v, err := d.uint()
			if err != nil {
				return fail(i, err)
			}
			args[i] = Fixed(int32(v))

		case protocol.TypeString:
			s, null, err := d.string()
			if err != nil {
				return fail(i, err)
			}
			if null {
				if !desc.Nullable {
					return fail(i, ErrNullArgument)
				}
				args[i] = nil
				continue
			}
			args[i] = s

		case protocol.TypeObject:
			id, err := d.uint()
			if err != nil {
				return fail(i, err)
			}
			if id == 0 {
				if !desc.Nullable {
					return fail(i, ErrNullArgument)
				}
				args[i] = nil
				continue
			}
			if r != nil {
				iface, err := r.Resolve(id)
				if err != nil {
					return fail(i, err)
				}
				if iface == nil {
					args[i] = nil
					continue
				}
				if desc.Interface != nil && !desc.Interface.Is(iface) {
					return fail(i, fmt.Errorf("%w: object %d is %s, want %s", ErrInterfaceMismatch, id, iface, desc.Interface))
				}
			}
			args[i] = ObjectID(id)

		case protocol.TypeNewID:
			var n NewID
			if desc.Interface == nil {
				s, null, err := d.string()
				if err != nil {
					return fail(i, err)
				}
				if null {
					return fail(i, ErrNullArgument)
				}
				n.Interface = s
				if n.Version, err = d.uint(); err != nil {
					return fail(i, err)
				}
			} else {
				n.Interface = desc.Interface.Name
			}
			id, err := d.uint()
			if err != nil {
				return fail(i, err)
			}
			if id == 0 {
				return fail(i, ErrNullArgument)
			}
			n.ID = id
			args[i] = n

		case protocol.TypeArray:
			v, err := d.array()
			if err != nil {
				return fail(i, err)
			}
			args[i] = v

		case protocol.TypeFD:
			if fds == nil {
				return fail(i, ErrMissingFD)
			}
			fd, ok := fds.NextFD()
			if !ok {
				return fail(i, ErrMissingFD)
			}
			taken = append(taken, fd)
			args[i] = fd

		default:
			return fail(i, ErrArgType)
		}
	}

	if d.off != len(d.data) {
		return nil, closeAll(taken, fmt.Errorf("%w: %s has %d trailing bytes", ErrMalformed, msg.Name, len(d.data)-d.off))
	}
	return args, nil
}

func closeAll(fds []int, err error) error {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
	return err
}

// decoder reads arguments from a message body. Every read is bounds
// checked against the body, never against the surrounding buffer.
type decoder struct {
	data []byte
	off  int
}

func (d *decoder) uint() (uint32, error) {
	if len(d.data)-d.off < 4 {
		return 0, fmt.Errorf("%w: argument overruns message end", ErrMalformed)
	}
	v := order.Uint32(d.data[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) blob() ([]byte, error) {
	n, err := d.uint()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(len(d.data)-d.off) {
		return nil, fmt.Errorf("%w: length %d overruns message end", ErrMalformed, n)
	}
	padded := pad4(int(n))
	if padded > len(d.data)-d.off {
		return nil, fmt.Errorf("%w: padding overruns message end", ErrMalformed)
	}
	b := d.data[d.off : d.off+int(n)]
	d.off += padded
	return b, nil
}

func (d *decoder) string() (string, bool, error) {
	b, err := d.blob()
	if err != nil {
		return "", false, err
	}
	if len(b) == 0 {
		return "", true, nil
	}
	// Length includes the NUL terminator; embedded NULs are rejected.
	if b[len(b)-1] != 0 || bytes.IndexByte(b[:len(b)-1], 0) >= 0 {
		return "", false, fmt.Errorf("%w: string not NUL terminated", ErrMalformed)
	}
	return string(b[:len(b)-1]), false, nil
}

func (d *decoder) array() ([]byte, error) {
	b, err := d.blob()
	if err != nil {
		return nil, err
	}
	arr := make([]byte, len(b))
	copy(arr, b)
	return arr, nil
}
