package objtable

import (
	"fmt"

	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wire"
)

// Handler receives one decoded message addressed to obj. Object and new_id
// arguments with a static interface arrive as *Object; dynamic new_id
// arguments arrive as wire.NewID.
type Handler func(obj *Object, args Args) error

// Object is a live protocol object. It is owned by the Table that created
// it and must only be used from the goroutine driving its connection.
type Object struct {
	id        uint32
	iface     *protocol.Interface
	version   uint32
	handlers  []Handler
	listeners []func(*Object)
	destroyed bool
	idDeleted bool

	// Data is free for the owner of the object.
	Data any
}

// ID returns the object ID, or 0 for a nil object.
func (o *Object) ID() uint32 {
	if o == nil {
		return 0
	}
	return o.id
}

// Interface returns the object's interface, or nil for a nil object.
func (o *Object) Interface() *protocol.Interface {
	if o == nil {
		return nil
	}
	return o.iface
}

// Version returns the version negotiated when the object was created.
func (o *Object) Version() uint32 {
	return o.version
}

// Destroyed reports whether the object has been unregistered.
func (o *Object) Destroyed() bool {
	return o.destroyed
}

// SetHandler installs the handler for incoming messages with opcode. A nil
// handler removes it.
func (o *Object) SetHandler(opcode uint16, h Handler) {
	if int(opcode) >= len(o.handlers) {
		grown := make([]Handler, int(opcode)+1)
		copy(grown, o.handlers)
		o.handlers = grown
	}
	o.handlers[opcode] = h
}

// Handler returns the handler for opcode, or nil.
func (o *Object) Handler(opcode uint16) Handler {
	if o.destroyed || int(opcode) >= len(o.handlers) {
		return nil
	}
	return o.handlers[opcode]
}

// AddDestroyListener registers fn to run once when the object is
// unregistered, including on connection teardown.
func (o *Object) AddDestroyListener(fn func(*Object)) {
	o.listeners = append(o.listeners, fn)
}

func (o *Object) String() string {
	if o == nil {
		return "nil"
	}
	return fmt.Sprintf("%s#%d", o.iface, o.id)
}

// Args holds decoded message arguments in signature order.
type Args []any

// Int returns argument i as int32.
func (a Args) Int(i int) int32 {
	v, _ := a[i].(int32)
	return v
}

// Uint returns argument i as uint32.
func (a Args) Uint(i int) uint32 {
	v, _ := a[i].(uint32)
	return v
}

// Fixed returns argument i as a fixed-point value.
func (a Args) Fixed(i int) wire.Fixed {
	v, _ := a[i].(wire.Fixed)
	return v
}

// String returns argument i as a string. Null strings return "".
func (a Args) String(i int) string {
	v, _ := a[i].(string)
	return v
}

// IsNull reports whether argument i is a null string or object.
func (a Args) IsNull(i int) bool {
	if a[i] == nil {
		return true
	}
	o, ok := a[i].(*Object)
	return ok && o == nil
}

// Object returns argument i as an object. Null objects return nil.
func (a Args) Object(i int) *Object {
	v, _ := a[i].(*Object)
	return v
}

// ObjectID returns the ID carried by an object argument, including IDs the
// receiving side did not know.
func (a Args) ObjectID(i int) uint32 {
	switch v := a[i].(type) {
	case *Object:
		return v.ID()
	case wire.ObjectID:
		return uint32(v)
	}
	return 0
}

// NewID returns a dynamic new_id argument.
func (a Args) NewID(i int) wire.NewID {
	v, _ := a[i].(wire.NewID)
	return v
}

// Array returns argument i as a byte slice.
func (a Args) Array(i int) []byte {
	v, _ := a[i].([]byte)
	return v
}

// FD returns argument i as a file descriptor, or -1. The receiver owns the
// descriptor.
func (a Args) FD(i int) int {
	v, ok := a[i].(int)
	if !ok {
		return -1
	}
	return v
}
