// Package objtable maps object IDs to live protocol objects for one
// connection and allocates IDs for objects created locally.
//
// A Table is not safe for concurrent use. Each table belongs to exactly one
// connection, and each connection to exactly one event loop.
package objtable

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/bnema/wlproto/protocol"
)

// ID ranges. Clients mint IDs in the lower range, servers in the upper one.
const (
	ClientIDMin uint32 = 1
	ClientIDMax uint32 = 0xfeffffff
	ServerIDMin uint32 = 0xff000000
	ServerIDMax uint32 = 0xffffffff
)

var (
	ErrIDInUse      = errors.New("objtable: id already in use")
	ErrIDOutOfRange = errors.New("objtable: id in wrong range")
	ErrIDExhausted  = errors.New("objtable: id space exhausted")
	ErrBadVersion   = errors.New("objtable: invalid version")
	ErrUnknownID    = errors.New("objtable: unknown object")
)

// Side is the role of the local end of a connection.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

func (s Side) String() string {
	if s == ServerSide {
		return "server"
	}
	return "client"
}

// IsClientID reports whether id lies in the client range.
func IsClientID(id uint32) bool {
	return id >= ClientIDMin && id <= ClientIDMax
}

// IsServerID reports whether id lies in the server range.
func IsServerID(id uint32) bool {
	return id >= ServerIDMin
}

// Table is the ID to object mapping of one connection.
type Table struct {
	side    Side
	objects map[uint32]*Object
	// zombies are objects destroyed on the client whose ID the server may
	// still address. Client IDs stay until delete_id, server IDs until the
	// server reuses them.
	zombies map[uint32]*protocol.Interface
	next    uint64
}

// New returns an empty table for the given side.
func New(side Side) *Table {
	t := &Table{
		side:    side,
		objects: make(map[uint32]*Object),
		zombies: make(map[uint32]*protocol.Interface),
	}
	if side == ServerSide {
		t.next = uint64(ServerIDMin)
	} else {
		t.next = uint64(ClientIDMin)
	}
	return t
}

// Side returns the role of the table.
func (t *Table) Side() Side {
	return t.side
}

// Len returns the number of live objects.
func (t *Table) Len() int {
	return len(t.objects)
}

func (t *Table) isLocal(id uint32) bool {
	if t.side == ServerSide {
		return IsServerID(id)
	}
	return IsClientID(id)
}

func checkVersion(iface *protocol.Interface, version uint32) error {
	if iface == nil {
		return fmt.Errorf("%w: nil interface", ErrBadVersion)
	}
	if version == 0 || version > iface.Version {
		return fmt.Errorf("%w: %s version %d (max %d)", ErrBadVersion, iface.Name, version, iface.Version)
	}
	return nil
}

// Register inserts an object whose ID was chosen by the peer. The ID must
// lie in the peer's range and must not name a live object. A zombie with
// the same ID is replaced.
func (t *Table) Register(iface *protocol.Interface, version, id uint32) (*Object, error) {
	if id == 0 || t.isLocal(id) {
		return nil, fmt.Errorf("%w: %d is not a %s id", ErrIDOutOfRange, id, t.peer())
	}
	if err := checkVersion(iface, version); err != nil {
		return nil, err
	}
	if _, ok := t.objects[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrIDInUse, id)
	}
	delete(t.zombies, id)
	return t.insert(iface, version, id), nil
}

// Allocate mints the next local ID and inserts an object for it. Local IDs
// are strictly increasing and never reused.
func (t *Table) Allocate(iface *protocol.Interface, version uint32) (*Object, error) {
	if err := checkVersion(iface, version); err != nil {
		return nil, err
	}
	limit := uint64(ClientIDMax)
	if t.side == ServerSide {
		limit = uint64(ServerIDMax)
	}
	if t.next > limit {
		return nil, ErrIDExhausted
	}
	id := uint32(t.next)
	t.next++
	return t.insert(iface, version, id), nil
}

func (t *Table) insert(iface *protocol.Interface, version, id uint32) *Object {
	obj := &Object{id: id, iface: iface, version: version}
	t.objects[id] = obj
	return obj
}

func (t *Table) peer() Side {
	if t.side == ServerSide {
		return ClientSide
	}
	return ServerSide
}

// Lookup returns the live object with id, or nil.
func (t *Table) Lookup(id uint32) *Object {
	return t.objects[id]
}

// Zombie returns the interface of a destroyed object still awaiting
// delete_id.
func (t *Table) Zombie(id uint32) (*protocol.Interface, bool) {
	iface, ok := t.zombies[id]
	return iface, ok
}

// Resolve implements wire.Resolver. Zombies resolve to a nil interface.
func (t *Table) Resolve(id uint32) (*protocol.Interface, error) {
	if obj, ok := t.objects[id]; ok {
		return obj.iface, nil
	}
	if _, ok := t.zombies[id]; ok {
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
}

// Unregister destroys the object with id. Calling it again, or for an ID
// that was never registered, is a no-op. On the client side the ID stays a
// zombie so that events already in flight can be dropped: a client ID until
// Release is called for it, a server ID until the server registers it again.
func (t *Table) Unregister(id uint32) {
	obj, ok := t.objects[id]
	if !ok {
		return
	}
	delete(t.objects, id)
	if t.side == ClientSide && !obj.idDeleted {
		t.zombies[id] = obj.iface
	}
	obj.destroy()
}

// Release handles delete_id: a zombie is forgotten, a live object is marked
// so that destroying it later leaves no zombie behind.
func (t *Table) Release(id uint32) {
	if _, ok := t.zombies[id]; ok {
		delete(t.zombies, id)
		return
	}
	if obj, ok := t.objects[id]; ok {
		obj.idDeleted = true
	}
}

// Objects returns the live objects ordered by ID.
func (t *Table) Objects() []*Object {
	ids := slices.Sorted(maps.Keys(t.objects))
	out := make([]*Object, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.objects[id])
	}
	return out
}

// Clear destroys every object, highest ID first, and forgets all zombies.
// It is used on connection teardown.
func (t *Table) Clear() {
	objs := t.Objects()
	slices.Reverse(objs)
	t.objects = make(map[uint32]*Object)
	t.zombies = make(map[uint32]*protocol.Interface)
	for _, obj := range objs {
		obj.destroy()
	}
}

func (o *Object) destroy() {
	if o.destroyed {
		return
	}
	o.destroyed = true
	listeners := o.listeners
	o.listeners = nil
	for _, fn := range listeners {
		fn(o)
	}
}
