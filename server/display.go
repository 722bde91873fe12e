// Package server implements the compositor side of the Wayland protocol:
// accepting clients, advertising globals and answering the core
// wl_display and wl_registry requests. Everything runs on the goroutine
// calling Run or driving EventLoop; only Terminate may be called from
// elsewhere.
package server

import (
	"encoding/binary"
	"errors"
	"slices"

	"golang.org/x/sys/unix"

	"github.com/bnema/wlproto"
	"github.com/bnema/wlproto/eventloop"
	"github.com/bnema/wlproto/internal/logger"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wl"
)

// Display is a Wayland server instance.
type Display struct {
	loop       *eventloop.Loop
	ifaces     *protocol.Registry
	observer   wlproto.Observer
	maxClients int

	clients    []*Client
	globals    []*Global
	nextGlobal uint32
	serial     uint32
	sockets    []*socket

	terminateFD int
	running     bool
	destroyed   bool
}

// NewDisplay creates a display with its own event loop.
func NewDisplay() (*Display, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	d := &Display{
		loop:        loop,
		ifaces:      wl.Core,
		nextGlobal:  1,
		terminateFD: fd,
	}
	if _, err := loop.AddFD(fd, eventloop.Readable, d.handleTerminate); err != nil {
		_ = unix.Close(fd)
		_ = loop.Close()
		return nil, err
	}
	return d, nil
}

// EventLoop returns the display's loop, for adding compositor sources.
func (d *Display) EventLoop() *eventloop.Loop {
	return d.loop
}

// SetInterfaces sets the interface registry given to new clients.
func (d *Display) SetInterfaces(r *protocol.Registry) {
	d.ifaces = r
}

// SetObserver sets the observer given to new clients.
func (d *Display) SetObserver(o wlproto.Observer) {
	d.observer = o
}

// SetMaxClients limits concurrent clients; 0 means unlimited.
func (d *Display) SetMaxClients(n int) {
	d.maxClients = n
}

// Clients returns the connected clients.
func (d *Display) Clients() []*Client {
	return slices.Clone(d.clients)
}

func (d *Display) removeClient(c *Client) {
	d.clients = slices.DeleteFunc(d.clients, func(x *Client) bool { return x == c })
}

// Serial returns the last serial handed out.
func (d *Display) Serial() uint32 {
	return d.serial
}

// NextSerial increments and returns the serial.
func (d *Display) NextSerial() uint32 {
	d.serial++
	return d.serial
}

// AddGlobal advertises a new global to every bound registry. Names start
// at 1 and are never reused.
func (d *Display) AddGlobal(iface *protocol.Interface, version uint32, bind BindHandler) (*Global, error) {
	if d.destroyed {
		return nil, ErrDestroyed
	}
	if version == 0 || version > iface.Version {
		return nil, errors.New("server: global version out of range")
	}
	g := &Global{
		display: d,
		name:    d.nextGlobal,
		iface:   iface,
		version: version,
		bind:    bind,
	}
	d.nextGlobal++
	d.globals = append(d.globals, g)

	for _, c := range d.clients {
		for _, r := range c.registries {
			if err := g.advertise(c, r); err != nil {
				logger.Warn("advertise global", "global", iface.Name, "err", err)
			}
		}
	}
	return g, nil
}

// RemoveGlobal withdraws g. Existing resources bound to it stay alive.
func (d *Display) RemoveGlobal(g *Global) {
	if g.removed {
		return
	}
	g.removed = true
	d.globals = slices.DeleteFunc(d.globals, func(x *Global) bool { return x == g })
	for _, c := range d.clients {
		for _, r := range c.registries {
			if err := c.PostEvent(r, wl.RegistryGlobalRemove, g.name); err != nil {
				logger.Warn("remove global", "global", g.iface.Name, "err", err)
			}
		}
	}
}

// Globals returns the advertised globals.
func (d *Display) Globals() []*Global {
	return slices.Clone(d.globals)
}

func (d *Display) globalByName(name uint32) *Global {
	for _, g := range d.globals {
		if g.name == name {
			return g
		}
	}
	return nil
}

// FlushClients writes queued events to every client.
func (d *Display) FlushClients() {
	for _, c := range slices.Clone(d.clients) {
		if err := c.Flush(); err != nil {
			logger.Debug("flush failed", "fd", c.Fd(), "err", err)
		}
	}
}

// Run dispatches the event loop until Terminate is called.
func (d *Display) Run() error {
	if d.destroyed {
		return ErrDestroyed
	}
	d.running = true
	for d.running {
		d.FlushClients()
		if _, err := d.loop.Dispatch(-1); err != nil {
			logger.Warn("dispatch", "err", err)
		}
	}
	d.FlushClients()
	return nil
}

// Terminate makes Run return after the current pass. It is safe to call
// from any goroutine.
func (d *Display) Terminate() {
	_, _ = unix.Write(d.terminateFD, binary.NativeEndian.AppendUint64(nil, 1))
}

func (d *Display) handleTerminate(fd int, _ eventloop.Mask) error {
	var buf [8]byte
	_, _ = unix.Read(fd, buf[:])
	d.running = false
	return nil
}

// Destroy disconnects every client, removes the sockets and closes the
// loop.
func (d *Display) Destroy() error {
	if d.destroyed {
		return nil
	}
	for _, c := range slices.Clone(d.clients) {
		c.Destroy()
	}
	for _, s := range d.sockets {
		s.close()
	}
	d.sockets = nil
	d.destroyed = true
	err := d.loop.Close()
	_ = unix.Close(d.terminateFD)
	return err
}
