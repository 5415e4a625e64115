// Package registry is the bounded-context router: it maps every entity type
// to the single boundary, service and store that own its writes.
package registry

import (
	"fmt"
	"maps"
	"slices"

	"erpsplit/internal/domain"
)

// Boundary is a named set of entity types whose mutations commit together.
type Boundary struct {
	Name        domain.BoundaryName `mapstructure:"name" yaml:"name"`
	Service     domain.ServiceID    `mapstructure:"service" yaml:"service"`
	Store       string              `mapstructure:"store" yaml:"store"`
	EntityTypes []domain.EntityType `mapstructure:"entity_types" yaml:"entity_types"`
}

// StoreName returns the configured store handle, defaulting to the service id.
func (b Boundary) StoreName() string {
	if b.Store != "" {
		return b.Store
	}
	return string(b.Service)
}

// Registry is an immutable, validated set of boundaries.
type Registry struct {
	boundaries map[domain.BoundaryName]Boundary
	owners     map[domain.EntityType]domain.BoundaryName
}

// New validates the boundaries: at least one is required, names and services
// are required, names are unique, and every entity type belongs to exactly one
// boundary.
func New(boundaries []Boundary) (*Registry, error) {
	if len(boundaries) == 0 {
		return nil, fmt.Errorf("registry declares no boundaries")
	}
	r := &Registry{
		boundaries: make(map[domain.BoundaryName]Boundary, len(boundaries)),
		owners:     make(map[domain.EntityType]domain.BoundaryName),
	}
	for _, b := range boundaries {
		if b.Name == "" || b.Service == "" {
			return nil, fmt.Errorf("boundary %q: name and service are required", b.Name)
		}
		if _, dup := r.boundaries[b.Name]; dup {
			return nil, fmt.Errorf("boundary %q declared twice", b.Name)
		}
		if len(b.EntityTypes) == 0 {
			return nil, fmt.Errorf("boundary %q owns no entity types", b.Name)
		}
		for _, t := range b.EntityTypes {
			if other, taken := r.owners[t]; taken {
				return nil, fmt.Errorf("entity type %q belongs to both %q and %q", t, other, b.Name)
			}
			r.owners[t] = b.Name
		}
		b.EntityTypes = slices.Clone(b.EntityTypes)
		r.boundaries[b.Name] = b
	}
	return r, nil
}

// Owners returns the {entityType: ownerServiceId} view of the registry.
func (r *Registry) Owners() map[domain.EntityType]domain.ServiceID {
	out := make(map[domain.EntityType]domain.ServiceID, len(r.owners))
	for t, b := range r.owners {
		out[t] = r.boundaries[b].Service
	}
	return out
}

// Boundaries returns the boundaries sorted by name.
func (r *Registry) Boundaries() []Boundary {
	names := slices.Sorted(maps.Keys(r.boundaries))
	out := make([]Boundary, 0, len(names))
	for _, n := range names {
		out = append(out, r.boundaries[n])
	}
	return out
}

func (r *Registry) boundaryOf(t domain.EntityType) (Boundary, bool) {
	name, ok := r.owners[t]
	if !ok {
		return Boundary{}, false
	}
	return r.boundaries[name], true
}
