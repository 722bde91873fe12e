package wlproto

import (
	"errors"
	"fmt"

	"github.com/bnema/wlproto/wire"
)

// ErrorKind classifies connection errors.
type ErrorKind int

const (
	// KindProtocol covers malformed messages, unknown objects, bad opcodes
	// and version mismatches.
	KindProtocol ErrorKind = iota + 1
	// KindTransport covers EOF and socket failures.
	KindTransport
	// KindApplication covers errors returned by message handlers.
	KindApplication
	// KindRemote is a wl_display.error received from the server.
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindApplication:
		return "application"
	case KindRemote:
		return "remote"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	// Kind sentinels; errors.Is(err, ErrProtocol) matches any *Error of
	// that kind.
	ErrProtocol    = errors.New("wlproto: protocol error")
	ErrTransport   = errors.New("wlproto: transport error")
	ErrApplication = errors.New("wlproto: application error")
	ErrRemote      = errors.New("wlproto: error from peer")

	ErrDisconnected    = errors.New("wlproto: disconnected")
	ErrClosed          = errors.New("wlproto: connection closed")
	ErrDestroyedObject = errors.New("wlproto: object destroyed")
	ErrUnknownOpcode   = errors.New("wlproto: unknown opcode")
	ErrVersion         = errors.New("wlproto: message not supported by object version")
	ErrNoNewID         = errors.New("wlproto: message has no new_id argument")
	ErrWrongSide       = errors.New("wlproto: operation not available on this side")

	// ErrWouldBlock is returned by Flush when the socket is full. The
	// unwritten data stays buffered.
	ErrWouldBlock = wire.ErrWouldBlock
)

// Error describes a failure tied to a connection and, when known, the
// object involved.
type Error struct {
	Kind     ErrorKind
	Op       string
	ObjectID uint32
	// Code is the protocol error code for KindRemote errors.
	Code uint32
	Err  error
}

func (e *Error) Error() string {
	if e.ObjectID != 0 {
		return fmt.Sprintf("wlproto: %s %s error on object %d: %v", e.Op, e.Kind, e.ObjectID, e.Err)
	}
	return fmt.Sprintf("wlproto: %s %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrApplication:
		return e.Kind == KindApplication
	case ErrRemote:
		return e.Kind == KindRemote
	}
	return false
}
