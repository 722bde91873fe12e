package wlproto

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto/internal/logger"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

const readChunk = 4096

type pendingFD struct {
	fd int
	// msg is the offset in the out buffer of the message carrying fd.
	msg int
}

// Conn couples one object table to one transport. It decodes buffered
// input into handler calls and encodes outgoing messages into a buffer
// that Flush writes out. Nothing in Conn blocks.
//
// Conn is used by both roles: on the client side incoming messages are
// events and outgoing ones requests, on the server side the reverse.
type Conn struct {
	side      objtable.Side
	transport wire.Transport
	table     *objtable.Table
	ifaces    *protocol.Registry

	in     []byte
	inFDs  wire.FDQueue
	hangup bool

	out    []byte
	outFDs []pendingFD

	err      *Error
	closed   bool
	observer Observer
	trace    bool

	defaultQueue EventQueue
	eventQueues  []*EventQueue
	queues       map[*objtable.Object]*EventQueue

	// HandlerError decides what happens to an error returned by a message
	// handler. By default DispatchPending stops and returns it as a
	// KindApplication error; the connection stays usable.
	HandlerError func(obj *objtable.Object, err error) error
}

// NewConn returns a connection over t. The interface registry defaults to
// the core protocol.
func NewConn(side objtable.Side, t wire.Transport) *Conn {
	c := &Conn{
		side:      side,
		transport: t,
		table:     objtable.New(side),
		ifaces:    wl.Core,
		observer:  nopObserver{},
		trace:     logger.Tracing(side.String()),
		queues:    make(map[*objtable.Object]*EventQueue),
	}
	c.defaultQueue.conn = c
	return c
}

// Side returns the local role.
func (c *Conn) Side() objtable.Side {
	return c.side
}

// Table returns the object table.
func (c *Conn) Table() *objtable.Table {
	return c.table
}

// Fd returns the transport descriptor.
func (c *Conn) Fd() int {
	return c.transport.Fd()
}

// Err returns the error that brought the connection down, or nil.
func (c *Conn) Err() error {
	if c.err == nil {
		return nil
	}
	return c.err
}

// SetObserver installs o; nil restores the no-op observer.
func (c *Conn) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	c.observer = o
}

// Interfaces returns the registry used to resolve interface names.
func (c *Conn) Interfaces() *protocol.Registry {
	return c.ifaces
}

// SetInterfaces replaces the interface registry, typically with
// wl.Core.With(extensions...).
func (c *Conn) SetInterfaces(r *protocol.Registry) {
	c.ifaces = r
}

func (c *Conn) outgoing(iface *protocol.Interface, opcode uint16) (*protocol.Message, bool) {
	if c.side == objtable.ClientSide {
		return iface.Request(opcode)
	}
	return iface.Event(opcode)
}

func (c *Conn) incoming(iface *protocol.Interface, opcode uint16) (*protocol.Message, bool) {
	if c.side == objtable.ClientSide {
		return iface.Event(opcode)
	}
	return iface.Request(opcode)
}

func (c *Conn) disconnected() error {
	return fmt.Errorf("%w: %w", ErrDisconnected, c.err)
}

// Marshal encodes one message for obj and appends it to the output
// buffer. File descriptor arguments are duplicated; the caller keeps
// ownership of the originals.
func (c *Conn) Marshal(obj *objtable.Object, opcode uint16, args ...any) error {
	if c.err != nil {
		return c.disconnected()
	}
	if obj == nil || obj.Destroyed() {
		return &Error{Kind: KindApplication, Op: "marshal", ObjectID: obj.ID(), Err: ErrDestroyedObject}
	}
	msg, ok := c.outgoing(obj.Interface(), opcode)
	if !ok {
		return &Error{Kind: KindApplication, Op: "marshal", ObjectID: obj.ID(),
			Err: fmt.Errorf("%w: %s opcode %d", ErrUnknownOpcode, obj.Interface(), opcode)}
	}
	if msg.Since > obj.Version() {
		return &Error{Kind: KindApplication, Op: "marshal", ObjectID: obj.ID(),
			Err: fmt.Errorf("%w: %s.%s needs version %d, object has %d", ErrVersion, obj.Interface(), msg.Name, msg.Since, obj.Version())}
	}

	start := len(c.out)
	out, fds, err := wire.AppendMessage(c.out, obj.ID(), opcode, msg, args)
	if err != nil {
		return &Error{Kind: KindApplication, Op: "marshal", ObjectID: obj.ID(), Err: err}
	}

	dups := make([]int, 0, len(fds))
	for _, fd := range fds {
		dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			for _, d := range dups {
				_ = unix.Close(d)
			}
			c.out = out[:start]
			return c.fail(KindTransport, "marshal", obj.ID(), fmt.Errorf("dup fd %d: %w", fd, err))
		}
		dups = append(dups, dup)
	}
	c.out = out
	for _, fd := range dups {
		c.outFDs = append(c.outFDs, pendingFD{fd: fd, msg: start})
	}

	if c.trace {
		logger.Trace(c.side.String(), formatMessage(true, obj.String(), msg, args))
	}
	c.observer.MessageSent(c.side, obj.Interface().Name, msg.Name)
	return nil
}

// Create allocates a local object of iface and marshals the message that
// introduces it. args are the message arguments without the new_id one.
func (c *Conn) Create(parent *objtable.Object, opcode uint16, iface *protocol.Interface, version uint32, args ...any) (*objtable.Object, error) {
	if c.err != nil {
		return nil, c.disconnected()
	}
	if parent == nil || parent.Destroyed() {
		return nil, &Error{Kind: KindApplication, Op: "create", ObjectID: parent.ID(), Err: ErrDestroyedObject}
	}
	msg, ok := c.outgoing(parent.Interface(), opcode)
	if !ok {
		return nil, &Error{Kind: KindApplication, Op: "create", ObjectID: parent.ID(),
			Err: fmt.Errorf("%w: %s opcode %d", ErrUnknownOpcode, parent.Interface(), opcode)}
	}
	idx := msg.NewIDIndex()
	if idx < 0 {
		return nil, &Error{Kind: KindApplication, Op: "create", ObjectID: parent.ID(),
			Err: fmt.Errorf("%w: %s.%s", ErrNoNewID, parent.Interface(), msg.Name)}
	}
	if len(args) != len(msg.Args)-1 {
		return nil, &Error{Kind: KindApplication, Op: "create", ObjectID: parent.ID(),
			Err: fmt.Errorf("%w: %s.%s", wire.ErrArgCount, parent.Interface(), msg.Name)}
	}

	obj, err := c.table.Allocate(iface, version)
	if err != nil {
		return nil, &Error{Kind: KindApplication, Op: "create", ObjectID: parent.ID(), Err: err}
	}

	var newID any = obj
	if msg.Args[idx].Interface == nil {
		newID = wire.NewID{Interface: iface.Name, Version: version, ID: obj.ID()}
	}
	full := make([]any, 0, len(msg.Args))
	full = append(full, args[:idx]...)
	full = append(full, newID)
	full = append(full, args[idx:]...)

	if err := c.Marshal(parent, opcode, full...); err != nil {
		// The ID never reached the peer, so no zombie is needed.
		c.table.Release(obj.ID())
		c.table.Unregister(obj.ID())
		return nil, err
	}
	c.inheritQueue(parent, obj)
	return obj, nil
}

// Destroy unregisters obj; destroying twice is a no-op. Destructor
// messages must be marshalled before. On the server side objects created
// by the client are acknowledged with wl_display.delete_id.
func (c *Conn) Destroy(obj *objtable.Object) error {
	if obj == nil || obj.Destroyed() {
		return nil
	}
	id := obj.ID()
	c.table.Unregister(id)
	if c.side != objtable.ServerSide || !objtable.IsClientID(id) || c.err != nil {
		return nil
	}
	display := c.table.Lookup(wl.DisplayID)
	if display == nil {
		return nil
	}
	return c.Marshal(display, wl.DisplayDeleteID, id)
}

// PostError queues a wl_display.error event. It is only available on the
// server side and does not tear the connection down.
func (c *Conn) PostError(objectID, code uint32, message string) error {
	if c.side != objtable.ServerSide {
		return ErrWrongSide
	}
	display := c.table.Lookup(wl.DisplayID)
	if display == nil {
		return &Error{Kind: KindApplication, Op: "post error", ObjectID: wl.DisplayID, Err: ErrDestroyedObject}
	}
	return c.Marshal(display, wl.DisplayError, objectID, code, message)
}

// ReadMessages reads whatever the transport has available into the input
// buffer without dispatching it. It returns ErrWouldBlock when nothing was
// available.
func (c *Conn) ReadMessages() (int, error) {
	if c.err != nil {
		return 0, c.disconnected()
	}
	total := 0
	for {
		if cap(c.in)-len(c.in) < readChunk {
			grown := make([]byte, len(c.in), len(c.in)+2*readChunk)
			copy(grown, c.in)
			c.in = grown
		}
		buf := c.in[len(c.in):cap(c.in)]

		n, fds, err := c.transport.Recv(buf)
		c.inFDs.Push(fds...)
		c.in = c.in[:len(c.in)+n]
		total += n

		switch {
		case errors.Is(err, wire.ErrWouldBlock):
			if total == 0 {
				return 0, ErrWouldBlock
			}
			return total, nil
		case errors.Is(err, io.EOF):
			// Buffered messages are still dispatched before the hangup
			// is reported.
			c.hangup = true
			if len(c.in) > 0 {
				return total, nil
			}
			return total, c.fail(KindTransport, "read", 0, err)
		case err != nil:
			return total, c.fail(KindTransport, "read", 0, err)
		}
		if n < len(buf) {
			return total, nil
		}
	}
}

// DispatchPending dispatches the default queue: events left waiting on it,
// then every complete buffered message not addressed to an object of
// another queue. It returns how many messages were dispatched and never
// reads from the transport.
func (c *Conn) DispatchPending() (int, error) {
	return c.DispatchQueuePending(&c.defaultQueue)
}

func (c *Conn) dispatchBuffered(q *EventQueue) (int, error) {
	count := 0
	for len(c.in) >= wire.HeaderSize {
		h, err := wire.ParseHeader(c.in)
		if err != nil {
			return count, c.fail(KindProtocol, "dispatch", h.ObjectID, err)
		}
		if len(c.in) < int(h.Size) {
			break
		}
		body := c.in[wire.HeaderSize:h.Size]
		c.in = c.in[h.Size:]

		dispatched, err := c.dispatchOne(h, body, q)
		if err != nil {
			return count, err
		}
		if dispatched {
			count++
		}
	}
	if c.hangup && c.err == nil {
		return count, c.fail(KindTransport, "read", 0, io.EOF)
	}
	return count, nil
}

// dispatchOne decodes one message and runs its handler, unless the target
// object belongs to a queue other than q. It reports whether the message
// was consumed rather than left waiting.
func (c *Conn) dispatchOne(h wire.Header, body []byte, q *EventQueue) (bool, error) {
	obj := c.table.Lookup(h.ObjectID)
	if obj == nil {
		if iface, ok := c.table.Zombie(h.ObjectID); ok {
			if msg, ok := c.incoming(iface, h.Opcode); ok {
				// Nobody will claim the descriptors of a dropped message.
				c.inFDs.Drop(msg.FDCount())
				return true, nil
			}
		}
		return false, c.protocolError(wl.DisplayID, h.ObjectID, wl.DisplayErrorInvalidObject,
			fmt.Errorf("invalid object %d", h.ObjectID))
	}

	iface := obj.Interface()
	msg, ok := c.incoming(iface, h.Opcode)
	if !ok {
		return false, c.protocolError(obj.ID(), obj.ID(), wl.DisplayErrorInvalidMethod,
			fmt.Errorf("%w: %s#%d opcode %d", ErrUnknownOpcode, iface, obj.ID(), h.Opcode))
	}
	if msg.Since > obj.Version() {
		return false, c.protocolError(obj.ID(), obj.ID(), wl.DisplayErrorInvalidMethod,
			fmt.Errorf("%w: %s.%s needs version %d, object has %d", ErrVersion, iface, msg.Name, msg.Since, obj.Version()))
	}

	values, err := wire.Unmarshal(body, msg, &c.inFDs, resolver{c})
	if err != nil {
		return false, c.protocolError(obj.ID(), obj.ID(), wl.DisplayErrorInvalidMethod, err)
	}
	args, err := c.resolveArgs(obj, msg, values)
	if err != nil {
		closeFDs(msg, values)
		return false, c.protocolError(wl.DisplayID, obj.ID(), wl.DisplayErrorInvalidObject, err)
	}
	c.observer.MessageReceived(c.side, iface.Name, msg.Name)

	// wl_display messages run from every queue so errors and delete_id are
	// never held back.
	if oq := c.Queue(obj); oq != q && obj.ID() != wl.DisplayID {
		oq.pending = append(oq.pending, queuedEvent{obj: obj, opcode: h.Opcode, msg: msg, args: args})
		return false, nil
	}
	return true, c.invoke(obj, h.Opcode, msg, args)
}

// invoke runs the handler of a decoded message. Messages for objects
// destroyed while they waited on a queue are dropped.
func (c *Conn) invoke(obj *objtable.Object, opcode uint16, msg *protocol.Message, args objtable.Args) error {
	if obj.Destroyed() {
		closeFDs(msg, args)
		return nil
	}
	if c.trace {
		logger.Trace(c.side.String(), formatMessage(false, obj.String(), msg, args))
	}

	handler := obj.Handler(opcode)
	if handler == nil {
		closeFDs(msg, args)
		return nil
	}
	err := handler(obj, args)
	if c.err != nil {
		return c.disconnected()
	}
	if err != nil {
		if c.HandlerError != nil {
			return c.HandlerError(obj, err)
		}
		return &Error{Kind: KindApplication, Op: "dispatch", ObjectID: obj.ID(), Err: err}
	}
	return nil
}

// resolveArgs swaps object IDs for live objects and registers objects
// introduced by static new_id arguments. Dynamic new_id arguments are left
// for the handler, which knows the interface to create.
func (c *Conn) resolveArgs(parent *objtable.Object, msg *protocol.Message, values []any) (objtable.Args, error) {
	args := objtable.Args(values)
	for i, desc := range msg.Args {
		switch v := values[i].(type) {
		case wire.ObjectID:
			if obj := c.table.Lookup(uint32(v)); obj != nil {
				args[i] = obj
			}
		case wire.NewID:
			if desc.Interface == nil {
				continue
			}
			version := min(parent.Version(), desc.Interface.Version)
			obj, err := c.table.Register(desc.Interface, version, v.ID)
			if err != nil {
				return nil, err
			}
			c.inheritQueue(parent, obj)
			args[i] = obj
		}
	}
	return args, nil
}

func closeFDs(msg *protocol.Message, values []any) {
	for i, desc := range msg.Args {
		if desc.Type != protocol.TypeFD {
			continue
		}
		if fd, ok := values[i].(int); ok {
			_ = unix.Close(fd)
		}
	}
}

// resolver decodes object arguments against the table. Clients treat IDs
// they do not know as null, as libwayland does; servers reject them.
type resolver struct {
	c *Conn
}

func (r resolver) Resolve(id uint32) (*protocol.Interface, error) {
	iface, err := r.c.table.Resolve(id)
	if err != nil && r.c.side == objtable.ClientSide {
		return nil, nil
	}
	return iface, err
}

// protocolError reports a fatal protocol violation. Servers tell the
// client about it before hanging up.
func (c *Conn) protocolError(target, objectID, code uint32, err error) error {
	if c.side == objtable.ServerSide {
		if perr := c.PostError(target, code, err.Error()); perr == nil {
			_, _ = c.Flush()
		}
	}
	return c.fail(KindProtocol, "dispatch", objectID, err)
}

// Flush writes buffered output. When the transport would block it returns
// the bytes written so far with ErrWouldBlock and keeps the rest.
func (c *Conn) Flush() (int, error) {
	if c.err != nil {
		return 0, c.disconnected()
	}
	written := 0
	defer func() {
		if written > 0 {
			c.observer.Flushed(c.side, written)
		}
	}()

	for len(c.out) > 0 {
		nfd := min(len(c.outFDs), wire.MaxFDsOut)
		limit := len(c.out)
		if nfd < len(c.outFDs) && c.outFDs[nfd].msg > 0 {
			// Bytes of a message must not overtake its descriptors.
			limit = c.outFDs[nfd].msg
		}
		fds := make([]int, nfd)
		for i := range fds {
			fds[i] = c.outFDs[i].fd
		}

		n, err := c.transport.Send(c.out[:limit], fds)
		if errors.Is(err, wire.ErrWouldBlock) {
			return written, ErrWouldBlock
		}
		if err != nil {
			return written, c.fail(KindTransport, "flush", 0, err)
		}

		for _, fd := range fds {
			_ = unix.Close(fd)
		}
		c.outFDs = c.outFDs[nfd:]
		for i := range c.outFDs {
			c.outFDs[i].msg = max(c.outFDs[i].msg-n, 0)
		}
		c.out = c.out[n:]
		written += n
	}
	c.out = c.out[:0]
	return written, nil
}

// Fail brings the connection down with e: every object is destroyed, the
// transport is closed and later operations return ErrDisconnected. Only
// the first failure is recorded.
func (c *Conn) Fail(e *Error) error {
	if c.err != nil {
		return c.disconnected()
	}
	c.err = e
	if errors.Is(e.Err, io.EOF) {
		logger.Debug("peer hung up", "side", c.side)
	} else {
		logger.Error("connection failed", "side", c.side, "op", e.Op, "kind", e.Kind, "object", e.ObjectID, "err", e.Err)
	}
	c.observer.ConnectionFailed(c.side, e.Kind)
	c.teardown()
	return c.disconnected()
}

func (c *Conn) fail(kind ErrorKind, op string, objectID uint32, err error) error {
	return c.Fail(&Error{Kind: kind, Op: op, ObjectID: objectID, Err: err})
}

func (c *Conn) teardown() {
	c.defaultQueue.drop()
	for _, q := range c.eventQueues {
		q.drop()
	}
	c.table.Clear()
	c.inFDs.Close()
	for _, p := range c.outFDs {
		_ = unix.Close(p.fd)
	}
	c.outFDs = nil
	c.out = nil
	c.in = nil
	_ = c.transport.Close()
}

// Close shuts the connection down without reporting a failure.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.err == nil {
		c.err = &Error{Kind: KindTransport, Op: "close", Err: ErrClosed}
		c.teardown()
	}
	return nil
}
