// Package wlproto is a pure Go implementation of the Wayland wire protocol
// engine.
//
// Conn is the engine shared by both roles: it decodes buffered input into
// per-object handler calls and batches outgoing messages. Display is the
// client role driven by its own event loop; package server provides the
// compositor role.
package wlproto

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bnema/wlproto/eventloop"
	"github.com/bnema/wlproto/internal/logger"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

// DefaultDisplay is used when neither a name nor WAYLAND_DISPLAY is set.
const DefaultDisplay = "wayland-0"

// Display represents a connection to the Wayland display
type Display struct {
	conn    *Conn
	loop    *eventloop.Loop
	source  *eventloop.Source
	display *objtable.Object
	writing bool
}

// SocketPath resolves a display name the way libwayland does: absolute
// paths are used as is, other names are relative to XDG_RUNTIME_DIR. An
// empty name falls back to WAYLAND_DISPLAY, then DefaultDisplay.
func SocketPath(name string) (string, error) {
	if name == "" {
		name = os.Getenv("WAYLAND_DISPLAY")
		if name == "" {
			name = DefaultDisplay
		}
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	runDir := os.Getenv("XDG_RUNTIME_DIR")
	if runDir == "" {
		return "", errors.New("XDG_RUNTIME_DIR not set")
	}
	return filepath.Join(runDir, name), nil
}

// Connect connects to the Wayland display
func Connect(name string) (*Display, error) {
	path, err := SocketPath(name)
	if err != nil {
		return nil, err
	}
	sock, err := wire.DialUnix(path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Wayland: %w", err)
	}
	d, err := newDisplay(sock)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	logger.Debug("connected", "socket", path)
	return d, nil
}

// NewDisplay takes ownership of an already connected socket, such as one
// inherited through WAYLAND_SOCKET.
func NewDisplay(fd int) (*Display, error) {
	sock, err := wire.NewSocket(fd)
	if err != nil {
		return nil, err
	}
	return newDisplay(sock)
}

func newDisplay(t wire.Transport) (*Display, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	d := &Display{
		conn: NewConn(objtable.ClientSide, t),
		loop: loop,
	}

	// The first allocated client ID is 1, which is wl_display.
	d.display, err = d.conn.Table().Allocate(wl.Display, 1)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	d.display.SetHandler(wl.DisplayError, d.handleError)
	d.display.SetHandler(wl.DisplayDeleteID, d.handleDeleteID)

	d.source, err = loop.AddFD(t.Fd(), eventloop.Readable, d.handleSocket)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	return d, nil
}

// Conn returns the underlying connection.
func (d *Display) Conn() *Conn {
	return d.conn
}

// Object returns the wl_display object.
func (d *Display) Object() *objtable.Object {
	return d.display
}

// ID returns the display's object ID (always 1)
func (d *Display) ID() uint32 {
	return wl.DisplayID
}

// Fd returns the socket descriptor.
func (d *Display) Fd() int {
	return d.conn.Fd()
}

// Err returns the error that brought the connection down, or nil.
func (d *Display) Err() error {
	return d.conn.Err()
}

// Close closes the display connection
func (d *Display) Close() error {
	err := d.conn.Close()
	if cerr := d.loop.Close(); err == nil {
		err = cerr
	}
	return err
}

// handleError handles wl_display.error. Protocol errors are fatal for the
// client.
func (d *Display) handleError(_ *objtable.Object, args objtable.Args) error {
	objectID := args.ObjectID(0)
	code := args.Uint(1)
	message := args.String(2)
	return d.conn.Fail(&Error{
		Kind:     KindRemote,
		Op:       "dispatch",
		ObjectID: objectID,
		Code:     code,
		Err:      fmt.Errorf("protocol error %d: %s", code, message),
	})
}

func (d *Display) handleDeleteID(_ *objtable.Object, args objtable.Args) error {
	d.conn.Table().Release(args.Uint(0))
	return nil
}

func (d *Display) handleSocket(_ int, mask eventloop.Mask) error {
	if mask&eventloop.Writable != 0 {
		if _, err := d.conn.Flush(); err == nil {
			d.setWriting(false)
		} else if !errors.Is(err, ErrWouldBlock) {
			return err
		}
	}
	if mask&(eventloop.Readable|eventloop.Hangup|eventloop.Error) != 0 {
		if _, err := d.conn.ReadMessages(); err != nil && !errors.Is(err, ErrWouldBlock) {
			return err
		}
	}
	return nil
}

func (d *Display) setWriting(on bool) {
	if d.writing == on || d.conn.Err() != nil {
		return
	}
	mask := eventloop.Readable
	if on {
		mask |= eventloop.Writable
	}
	if err := d.loop.UpdateFD(d.source, mask); err == nil {
		d.writing = on
	}
}

// DispatchPending dispatches events of the default queue already read
// from the socket.
func (d *Display) DispatchPending() (int, error) {
	return d.conn.DispatchPending()
}

// CreateQueue returns a new event queue. Events for objects moved to it
// with SetQueue only run from DispatchQueue or DispatchQueuePending.
func (d *Display) CreateQueue() *EventQueue {
	return d.conn.NewQueue()
}

// SetQueue assigns obj to q; nil means the default queue.
func (d *Display) SetQueue(obj *objtable.Object, q *EventQueue) {
	d.conn.SetQueue(obj, q)
}

// DispatchQueuePending dispatches events of q already read from the socket.
func (d *Display) DispatchQueuePending(q *EventQueue) (int, error) {
	return d.conn.DispatchQueuePending(q)
}

// Flush writes buffered requests without blocking. ErrWouldBlock means
// part of the data is still buffered; the next Dispatch keeps flushing it.
func (d *Display) Flush() (int, error) {
	n, err := d.conn.Flush()
	if errors.Is(err, ErrWouldBlock) {
		d.setWriting(true)
	}
	return n, err
}

// Dispatch dispatches pending events of the default queue, or flushes and
// waits up to timeout for new ones when none are pending. A negative
// timeout waits forever. It returns 0 and no error when the timeout
// expires.
func (d *Display) Dispatch(timeout time.Duration) (int, error) {
	return d.DispatchQueue(d.conn.DefaultQueue(), timeout)
}

// DispatchQueue is Dispatch for the events of q. Events read meanwhile
// for other queues are left waiting on them.
func (d *Display) DispatchQueue(q *EventQueue, timeout time.Duration) (int, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		n, err := d.conn.DispatchQueuePending(q)
		if err != nil || n > 0 {
			return n, err
		}
		if _, err := d.Flush(); err != nil && !errors.Is(err, ErrWouldBlock) {
			return 0, err
		}

		ms := -1
		switch {
		case timeout == 0:
			ms = 0
		case timeout > 0:
			left := time.Until(deadline)
			if left <= 0 {
				return 0, nil
			}
			// Round up so a sub-millisecond rest still sleeps.
			ms = int((left + time.Millisecond - 1) / time.Millisecond)
		}
		if _, err := d.loop.Dispatch(ms); err != nil {
			if cerr := d.conn.Err(); cerr != nil {
				return 0, d.conn.disconnected()
			}
			return 0, err
		}
		if timeout == 0 {
			return d.conn.DispatchQueuePending(q)
		}
	}
}

// Sync requests a wl_callback whose done event fires once the server has
// processed every request sent before it.
func (d *Display) Sync() (*objtable.Object, error) {
	return d.conn.Create(d.display, wl.DisplaySync, wl.Callback, 1)
}

// Roundtrip blocks until the server has processed all requests sent so far
// and every resulting event has been dispatched.
func (d *Display) Roundtrip() error {
	return d.RoundtripQueue(d.conn.DefaultQueue())
}

// RoundtripQueue is Roundtrip on q: only events of q are dispatched while
// it waits.
func (d *Display) RoundtripQueue(q *EventQueue) error {
	cb, err := d.Sync()
	if err != nil {
		return err
	}
	d.conn.SetQueue(cb, q)
	done := false
	cb.SetHandler(wl.CallbackDone, func(obj *objtable.Object, _ objtable.Args) error {
		done = true
		return d.conn.Destroy(obj)
	})

	for !done {
		if _, err := d.DispatchQueue(q, -1); err != nil {
			return err
		}
	}
	return nil
}

// GetRegistry creates a registry that caches globals as they are
// announced. Call Roundtrip afterwards to receive the initial set.
func (d *Display) GetRegistry() (*Registry, error) {
	obj, err := d.conn.Create(d.display, wl.DisplayGetRegistry, wl.Registry, 1)
	if err != nil {
		return nil, err
	}
	return newRegistry(d, obj), nil
}
