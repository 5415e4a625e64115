package registry

import (
	"fmt"
	"sync/atomic"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
	dErrors "erpsplit/pkg/domain-errors"
)

// ServiceHandle is what a caller needs to talk to an entity's owner.
type ServiceHandle struct {
	Service  domain.ServiceID
	Boundary domain.BoundaryName
	Store    store.Backend
}

// Stores maps store handle names (Boundary.StoreName) to backends.
type Stores map[string]store.Backend

// Router resolves owners against the current registry. Reload swaps the
// registry atomically, so lookups never block and always see one
// consistent version.
type Router struct {
	current atomic.Pointer[Registry]
	stores  Stores
}

// NewRouter checks that every boundary's store handle exists.
func NewRouter(reg *Registry, stores Stores) (*Router, error) {
	r := &Router{stores: stores}
	if err := r.Reload(reg); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload installs a new registry if all of its stores are known.
func (r *Router) Reload(reg *Registry) error {
	if reg == nil {
		return fmt.Errorf("nil registry")
	}
	if len(reg.boundaries) == 0 {
		return fmt.Errorf("registry declares no boundaries")
	}
	for _, b := range reg.Boundaries() {
		if _, ok := r.stores[b.StoreName()]; !ok {
			return fmt.Errorf("boundary %q: unknown store %q", b.Name, b.StoreName())
		}
	}
	r.current.Store(reg)
	return nil
}

// Registry returns the registry currently in use.
func (r *Router) Registry() *Registry {
	return r.current.Load()
}

// ResolveOwner maps an entity type to its owning service and store.
func (r *Router) ResolveOwner(t domain.EntityType) (ServiceHandle, error) {
	b, ok := r.current.Load().boundaryOf(t)
	if !ok {
		return ServiceHandle{}, dErrors.Newf(dErrors.CodeUnknownEntityType, "entity type %q is not registered", t)
	}
	return ServiceHandle{Service: b.Service, Boundary: b.Name, Store: r.stores[b.StoreName()]}, nil
}

// BoundaryOf returns the boundary that owns t.
func (r *Router) BoundaryOf(t domain.EntityType) (domain.BoundaryName, error) {
	b, ok := r.current.Load().boundaryOf(t)
	if !ok {
		return "", dErrors.Newf(dErrors.CodeUnknownEntityType, "entity type %q is not registered", t)
	}
	return b.Name, nil
}

// Boundary looks a boundary up by name.
func (r *Router) Boundary(name domain.BoundaryName) (Boundary, bool) {
	b, ok := r.current.Load().boundaries[name]
	return b, ok
}

// BoundaryStore returns the store backing a boundary.
func (r *Router) BoundaryStore(name domain.BoundaryName) (store.Backend, bool) {
	b, ok := r.Boundary(name)
	if !ok {
		return nil, false
	}
	s, ok := r.stores[b.StoreName()]
	return s, ok
}
