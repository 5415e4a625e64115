package domain

import (
	"maps"
	"strings"
)

// EntityType names a kind of record (User, Order, Product).
type EntityType string

// EntityID is unique within the owning service.
type EntityID string

// ServiceID names the service that owns writes for a set of entity types.
type ServiceID string

// BoundaryName names a transactional boundary.
type BoundaryName string

func (t EntityType) String() string   { return string(t) }
func (i EntityID) String() string     { return string(i) }
func (s ServiceID) String() string    { return string(s) }
func (b BoundaryName) String() string { return string(b) }

// Entity is a typed, identified record. Version is 0 until the first commit
// and increases by one on every committed mutation.
type Entity struct {
	ID         EntityID       `json:"id"`
	Type       EntityType     `json:"type"`
	Version    int64          `json:"version"`
	Owner      ServiceID      `json:"owner"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Key returns the (type, id) pair identifying the entity across services.
func (e Entity) Key() Key {
	return Key{Type: e.Type, ID: e.ID}
}

// Clone returns a copy whose attribute map can be mutated independently.
// Nested values are shared.
func (e Entity) Clone() Entity {
	out := e
	if e.Attributes != nil {
		out.Attributes = maps.Clone(e.Attributes)
	}
	return out
}

// Key identifies an entity across services.
type Key struct {
	Type EntityType `json:"type"`
	ID   EntityID   `json:"id"`
}

func (k Key) String() string {
	return string(k.Type) + ":" + string(k.ID)
}

// ParseKey parses the "Type:id" form produced by Key.String.
func ParseKey(s string) (Key, bool) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return Key{}, false
	}
	return Key{Type: EntityType(typ), ID: EntityID(id)}, true
}
