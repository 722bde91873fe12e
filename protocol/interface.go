// Package protocol describes Wayland interfaces as static metadata.
//
// An Interface is built once at process start (see package wl) and never
// mutated afterwards. The codec uses the message signatures to marshal and
// unmarshal arguments, and the object table uses the interface version to
// validate objects created on either side of a connection.
package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrBadSignature = errors.New("protocol: bad signature")
	ErrSinceOrder   = errors.New("protocol: since-versions out of order")
	ErrTypeCount    = errors.New("protocol: type list does not match signature")
)

// Interface is a named, versioned protocol contract.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Message
	Events   []Message
}

// Message is one request or event. Opcode is the index of the message in the
// Requests or Events slice of its interface.
type Message struct {
	Name      string
	Signature string
	// Types holds one entry per object or new_id argument, in order. Entries
	// may be nil for untyped objects and dynamic new_id arguments.
	Types []*Interface

	Since uint32
	Args  []Arg
}

// Arg is one parsed argument of a message signature.
type Arg struct {
	Type      ArgType
	Nullable  bool
	Interface *Interface
}

// Is reports whether two interfaces describe the same contract. Interfaces
// are compared by name so that descriptors loaded from different packages
// for the same protocol still match.
func (i *Interface) Is(other *Interface) bool {
	if i == nil || other == nil {
		return i == other
	}
	return i == other || i.Name == other.Name
}

func (i *Interface) String() string {
	if i == nil {
		return "<nil>"
	}
	return i.Name
}

// Request returns the request with the given opcode.
func (i *Interface) Request(opcode uint16) (*Message, bool) {
	if int(opcode) >= len(i.Requests) {
		return nil, false
	}
	return &i.Requests[opcode], true
}

// Event returns the event with the given opcode.
func (i *Interface) Event(opcode uint16) (*Message, bool) {
	if int(opcode) >= len(i.Events) {
		return nil, false
	}
	return &i.Events[opcode], true
}

// Init parses the signatures of every message and links the Types entries to
// the parsed arguments. It must be called once before the interface is used.
func (i *Interface) Init() error {
	if i.Version == 0 {
		return fmt.Errorf("%s: version must be positive", i.Name)
	}
	if err := initMessages(i.Name, i.Requests); err != nil {
		return err
	}
	return initMessages(i.Name, i.Events)
}

// MustInit is Init for statically declared interfaces.
func (i *Interface) MustInit() *Interface {
	if err := i.Init(); err != nil {
		panic(err)
	}
	return i
}

func initMessages(iface string, msgs []Message) error {
	var since uint32 = 1
	for n := range msgs {
		m := &msgs[n]
		if err := m.parse(); err != nil {
			return fmt.Errorf("%s.%s: %w", iface, m.Name, err)
		}
		if m.Since < since {
			return fmt.Errorf("%s.%s: %w", iface, m.Name, ErrSinceOrder)
		}
		since = m.Since
	}
	return nil
}

func (m *Message) parse() error {
	since, args, err := ParseSignature(m.Signature)
	if err != nil {
		return err
	}

	t := 0
	for n := range args {
		if args[n].Type != TypeObject && args[n].Type != TypeNewID {
			continue
		}
		if t < len(m.Types) {
			args[n].Interface = m.Types[t]
		}
		t++
	}
	if len(m.Types) != 0 && t != len(m.Types) {
		return ErrTypeCount
	}

	m.Since = since
	m.Args = args
	return nil
}

// FDCount returns the number of file descriptor arguments in m.
func (m *Message) FDCount() int {
	n := 0
	for _, a := range m.Args {
		if a.Type == TypeFD {
			n++
		}
	}
	return n
}

// NewIDIndex returns the position of the first new_id argument, or -1.
func (m *Message) NewIDIndex() int {
	for n, a := range m.Args {
		if a.Type == TypeNewID {
			return n
		}
	}
	return -1
}
