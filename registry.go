package wlproto

import (
	"fmt"
	"sort"

	"github.com/bnema/wlproto/objtable"
	"github.com/bnema/wlproto/protocol"
	"github.com/bnema/wlproto/wl"
)

// Global represents a global object
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// GlobalHandler is called when a global is announced
type GlobalHandler func(registry *Registry, name uint32, version uint32)

// GlobalRemoveHandler is called when a global goes away.
type GlobalRemoveHandler func(registry *Registry, global Global)

// Registry represents the global registry
type Registry struct {
	obj            *objtable.Object
	display        *Display
	globals        map[uint32]Global
	handlers       map[string][]GlobalHandler
	removeHandlers []GlobalRemoveHandler
}

func newRegistry(d *Display, obj *objtable.Object) *Registry {
	r := &Registry{
		obj:      obj,
		display:  d,
		globals:  make(map[uint32]Global),
		handlers: make(map[string][]GlobalHandler),
	}
	obj.Data = r
	obj.SetHandler(wl.RegistryGlobal, r.handleGlobal)
	obj.SetHandler(wl.RegistryGlobalRemove, r.handleGlobalRemove)
	return r
}

// ID returns the registry's object ID
func (r *Registry) ID() uint32 {
	return r.obj.ID()
}

// Object returns the wl_registry object.
func (r *Registry) Object() *objtable.Object {
	return r.obj
}

// handleGlobal handles global announcements
func (r *Registry) handleGlobal(_ *objtable.Object, args objtable.Args) error {
	g := Global{
		Name:      args.Uint(0),
		Interface: args.String(1),
		Version:   args.Uint(2),
	}
	r.globals[g.Name] = g

	// Specific handlers first, then wildcard
	for _, h := range r.handlers[g.Interface] {
		h(r, g.Name, g.Version)
	}
	for _, h := range r.handlers["*"] {
		h(r, g.Name, g.Version)
	}
	return nil
}

// handleGlobalRemove handles global removal
func (r *Registry) handleGlobalRemove(_ *objtable.Object, args objtable.Args) error {
	name := args.Uint(0)
	g, ok := r.globals[name]
	if !ok {
		return nil
	}
	delete(r.globals, name)
	for _, h := range r.removeHandlers {
		h(r, g)
	}
	return nil
}

// AddHandler adds a handler for a specific interface. The interface "*"
// matches every global.
func (r *Registry) AddHandler(iface string, handler GlobalHandler) {
	r.handlers[iface] = append(r.handlers[iface], handler)
}

// AddGlobalRemoveHandler adds a handler for global removals.
func (r *Registry) AddGlobalRemoveHandler(handler GlobalRemoveHandler) {
	r.removeHandlers = append(r.removeHandlers, handler)
}

// Bind binds the global with the given name to a new object of iface.
// The version is sent as given; the server rejects one above what the
// global advertises.
func (r *Registry) Bind(name uint32, iface *protocol.Interface, version uint32) (*objtable.Object, error) {
	return r.display.conn.Create(r.obj, wl.RegistryBind, iface, version, name)
}

// BindGlobal binds g at the highest version both sides support, looking
// the interface up in the connection's interface registry.
func (r *Registry) BindGlobal(g Global, version uint32) (*objtable.Object, error) {
	iface, ok := r.display.conn.Interfaces().Lookup(g.Interface)
	if !ok {
		return nil, fmt.Errorf("unknown interface %s", g.Interface)
	}
	version = min(version, g.Version, iface.Version)
	return r.Bind(g.Name, iface, version)
}

// GetGlobals returns all announced globals
func (r *Registry) GetGlobals() map[uint32]Global {
	globals := make(map[uint32]Global, len(r.globals))
	for k, v := range r.globals {
		globals[k] = v
	}
	return globals
}

// SortedGlobals returns the announced globals ordered by name.
func (r *Registry) SortedGlobals() []Global {
	out := make([]Global, 0, len(r.globals))
	for _, g := range r.globals {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FindGlobal finds a global by interface name
func (r *Registry) FindGlobal(iface string) (Global, bool) {
	for _, g := range r.SortedGlobals() {
		if g.Interface == iface {
			return g, true
		}
	}
	return Global{}, false
}

// FindGlobalByName finds a global by its numeric name.
func (r *Registry) FindGlobalByName(name uint32) (Global, bool) {
	g, ok := r.globals[name]
	return g, ok
}
