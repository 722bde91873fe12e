package protocol

import "fmt"

// Registry maps interface names to descriptors. It is filled at start-up
// and read-only afterwards.
type Registry struct {
	byName map[string]*Interface
}

// NewRegistry builds a registry from the given interfaces. Duplicate names
// are rejected.
func NewRegistry(ifaces ...*Interface) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Interface, len(ifaces))}
	for _, i := range ifaces {
		if err := r.add(i); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// With returns a new registry holding the interfaces of r and ifaces.
func (r *Registry) With(ifaces ...*Interface) (*Registry, error) {
	out := &Registry{byName: make(map[string]*Interface, len(r.byName)+len(ifaces))}
	for name, i := range r.byName {
		out.byName[name] = i
	}
	for _, i := range ifaces {
		if err := out.add(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Registry) add(i *Interface) error {
	if _, ok := r.byName[i.Name]; ok {
		return fmt.Errorf("protocol: interface %s registered twice", i.Name)
	}
	r.byName[i.Name] = i
	return nil
}

// Lookup returns the interface with the given name.
func (r *Registry) Lookup(name string) (*Interface, bool) {
	if r == nil {
		return nil, false
	}
	i, ok := r.byName[name]
	return i, ok
}

// Len returns the number of interfaces.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byName)
}
