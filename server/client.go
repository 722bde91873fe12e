package server

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/eventloop"
	"github.com/bnema/wlproto/internal/logger"
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wire"
	"github.com/bnema/wlproto/wl"
)

// Client is one connected client.
type Client struct {
	display    *Display
	conn       *wlproto.Conn
	source     *eventloop.Source
	displayRes *objtable.Object
	registries []*objtable.Object
	listeners  []func(*Client)
	writing    bool
	destroyed  bool

	// Data is free for the compositor.
	Data any
}

// CreateClient adds a client on an already connected socket. It takes
// ownership of fd, also on error.
func (d *Display) CreateClient(fd int) (*Client, error) {
	if d.destroyed {
		_ = unix.Close(fd)
		return nil, ErrDestroyed
	}
	sock, err := wire.NewSocket(fd)
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	c := &Client{
		display: d,
		conn:    wlproto.NewConn(objtable.ServerSide, sock),
	}
	c.conn.SetInterfaces(d.ifaces)
	c.conn.SetObserver(d.observer)
	c.conn.HandlerError = c.handlerError

	c.displayRes, err = c.conn.Table().Register(wl.Display, 1, wl.DisplayID)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	c.displayRes.SetHandler(wl.DisplaySync, c.handleSync)
	c.displayRes.SetHandler(wl.DisplayGetRegistry, c.handleGetRegistry)

	c.source, err = d.loop.AddFD(fd, eventloop.Readable, c.handleSocket)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	d.clients = append(d.clients, c)
	logger.Debug("client connected", "fd", fd, "clients", len(d.clients))
	return c, nil
}

// Display returns the display the client belongs to.
func (c *Client) Display() *Display {
	return c.display
}

// Conn returns the client's connection.
func (c *Client) Conn() *wlproto.Conn {
	return c.conn
}

// Fd returns the client socket.
func (c *Client) Fd() int {
	return c.conn.Fd()
}

// Lookup returns the live resource with id, or nil.
func (c *Client) Lookup(id uint32) *objtable.Object {
	return c.conn.Table().Lookup(id)
}

// Destroyed reports whether the client is gone.
func (c *Client) Destroyed() bool {
	return c.destroyed
}

// NewResource creates a resource. An id of 0 allocates one from the server
// range; any other id must be a free client ID.
func (c *Client) NewResource(iface *protocol.Interface, version, id uint32) (*objtable.Object, error) {
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if id == 0 {
		return c.conn.Table().Allocate(iface, version)
	}
	return c.conn.Table().Register(iface, version, id)
}

// DestroyResource destroys res and, for client created resources, tells
// the client its ID is free.
func (c *Client) DestroyResource(res *objtable.Object) error {
	return c.conn.Destroy(res)
}

// PostEvent queues an event on res.
func (c *Client) PostEvent(res *objtable.Object, opcode uint16, args ...any) error {
	return c.conn.Marshal(res, opcode, args...)
}

// PostError sends wl_display.error about res to the client.
func (c *Client) PostError(res *objtable.Object, code uint32, format string, args ...any) error {
	return c.conn.PostError(res.ID(), code, fmt.Sprintf(format, args...))
}

// PostNoMemory reports an allocation failure to the client.
func (c *Client) PostNoMemory() error {
	return c.conn.PostError(wl.DisplayID, wl.DisplayErrorNoMemory, "no memory")
}

// PostImplementationError reports a compositor bug to the client.
func (c *Client) PostImplementationError(format string, args ...any) error {
	return c.conn.PostError(wl.DisplayID, wl.DisplayErrorImplementation, fmt.Sprintf(format, args...))
}

// AddDestroyListener registers fn to run once when the client goes away.
func (c *Client) AddDestroyListener(fn func(*Client)) {
	c.listeners = append(c.listeners, fn)
}

// Credentials returns the peer process credentials of the socket.
func (c *Client) Credentials() (pid, uid, gid int, err error) {
	cred, err := unix.GetsockoptUcred(c.conn.Fd(), unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("SO_PEERCRED: %w", err)
	}
	return int(cred.Pid), int(cred.Uid), int(cred.Gid), nil
}

// Flush writes queued events. A full socket is not an error; the rest is
// written once the socket becomes writable.
func (c *Client) Flush() error {
	if c.destroyed {
		return ErrDestroyed
	}
	_, err := c.conn.Flush()
	switch {
	case err == nil:
		c.setWriting(false)
	case errors.Is(err, wlproto.ErrWouldBlock):
		c.setWriting(true)
	default:
		c.Destroy()
		return err
	}
	return nil
}

func (c *Client) setWriting(on bool) {
	if c.writing == on {
		return
	}
	mask := eventloop.Readable
	if on {
		mask |= eventloop.Writable
	}
	if err := c.display.loop.UpdateFD(c.source, mask); err == nil {
		c.writing = on
	}
}

// Destroy disconnects the client, destroying all of its resources.
func (c *Client) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	_ = c.display.loop.Remove(c.source)
	// Listeners may still look at resources, so they run first.
	listeners := c.listeners
	c.listeners = nil
	for _, fn := range listeners {
		fn(c)
	}
	if err := c.conn.Err(); err == nil {
		_, _ = c.conn.Flush()
	}
	_ = c.conn.Close()
	c.display.removeClient(c)
	logger.Debug("client disconnected", "clients", len(c.display.clients))
}

func (c *Client) handleSocket(_ int, mask eventloop.Mask) error {
	if mask&eventloop.Writable != 0 {
		if err := c.Flush(); err != nil {
			return nil
		}
	}
	if mask&(eventloop.Readable|eventloop.Hangup|eventloop.Error) == 0 {
		return nil
	}
	if _, err := c.conn.ReadMessages(); err != nil {
		if !errors.Is(err, wlproto.ErrWouldBlock) {
			c.Destroy()
		}
		return nil
	}
	if _, err := c.conn.DispatchPending(); err != nil {
		if c.conn.Err() != nil {
			c.Destroy()
			return nil
		}
		logger.Warn("request failed", "err", err)
	}
	return nil
}

// handlerError turns request handler errors into wl_display.error events.
func (c *Client) handlerError(obj *objtable.Object, err error) error {
	var re *RequestError
	if !errors.As(err, &re) {
		logger.Error("request handler failed", "object", obj, "err", err)
		if perr := c.PostImplementationError("%s", err.Error()); perr != nil {
			return perr
		}
		return nil
	}

	target := re.ObjectID
	if target == 0 {
		target = obj.ID()
	}
	if perr := c.conn.PostError(target, re.Code, re.Message); perr != nil {
		return perr
	}
	if re.Fatal {
		_, _ = c.conn.Flush()
		return c.conn.Fail(&wlproto.Error{Kind: wlproto.KindApplication, Op: "dispatch", ObjectID: target, Err: re})
	}
	return nil
}

func (c *Client) handleSync(_ *objtable.Object, args objtable.Args) error {
	cb := args.Object(0)
	if err := c.PostEvent(cb, wl.CallbackDone, c.display.NextSerial()); err != nil {
		return err
	}
	return c.DestroyResource(cb)
}

func (c *Client) handleGetRegistry(_ *objtable.Object, args objtable.Args) error {
	registry := args.Object(0)
	registry.SetHandler(wl.RegistryBind, c.bind)
	registry.AddDestroyListener(func(obj *objtable.Object) {
		for i, r := range c.registries {
			if r == obj {
				c.registries = append(c.registries[:i], c.registries[i+1:]...)
				return
			}
		}
	})
	c.registries = append(c.registries, registry)

	for _, g := range c.display.globals {
		if err := g.advertise(c, registry); err != nil {
			return err
		}
	}
	return nil
}
