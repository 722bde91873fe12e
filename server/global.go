package server

import (
	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wl"
)

// BindHandler sets up a resource a client just bound to a global. An error
// is handled like one returned by a request handler.
type BindHandler func(c *Client, res *objtable.Object) error

// Global is a singleton advertised to clients through wl_registry.
type Global struct {
	display *Display
	name    uint32
	iface   *protocol.Interface
	version uint32
	bind    BindHandler
	removed bool
}

// Name returns the numeric name clients bind with.
func (g *Global) Name() uint32 {
	return g.name
}

// Interface returns the advertised interface.
func (g *Global) Interface() *protocol.Interface {
	return g.iface
}

// Version returns the advertised version.
func (g *Global) Version() uint32 {
	return g.version
}

func (g *Global) advertise(c *Client, registry *objtable.Object) error {
	return c.PostEvent(registry, wl.RegistryGlobal, g.name, g.iface.Name, g.version)
}

// bind handles wl_registry.bind on one client's registry.
func (c *Client) bind(registry *objtable.Object, args objtable.Args) error {
	name := args.Uint(0)
	id := args.NewID(1)

	g := c.display.globalByName(name)
	switch {
	case g == nil:
		return NewRequestError(wl.DisplayErrorInvalidObject, "invalid global %s (%d)", id.Interface, name)
	case g.iface.Name != id.Interface:
		return NewRequestError(wl.DisplayErrorInvalidObject,
			"invalid interface for global %d: have %s, wanted %s", name, id.Interface, g.iface.Name)
	case id.Version == 0 || id.Version > g.version:
		return NewRequestError(wl.DisplayErrorInvalidObject,
			"invalid version for global %s (%d): have %d, wanted %d", g.iface.Name, name, g.version, id.Version)
	}

	res, err := c.NewResource(g.iface, id.Version, id.ID)
	if err != nil {
		return &RequestError{ObjectID: registry.ID(), Code: wl.DisplayErrorInvalidObject, Message: err.Error(), Fatal: true}
	}
	if g.bind == nil {
		return nil
	}
	return g.bind(c, res)
}
