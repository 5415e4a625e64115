// Package invalidation carries (entityType, id, newVersion) notices from the
// owning boundary to every reader holding a cached copy.
package invalidation

import (
	"context"
	"sync"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
)

// Notification announces a committed write.
type Notification struct {
	EntityType domain.EntityType `json:"entityType"`
	EntityID   domain.EntityID   `json:"entityId"`
	Version    int64             `json:"version"`
}

// Key returns the cache key the notification targets.
func (n Notification) Key() domain.Key {
	return domain.Key{Type: n.EntityType, ID: n.EntityID}
}

// FromChanges converts committed changes into notifications.
func FromChanges(changes []store.Change) []Notification {
	out := make([]Notification, 0, len(changes))
	for _, c := range changes {
		out = append(out, Notification{EntityType: c.Key.Type, EntityID: c.Key.ID, Version: c.Version})
	}
	return out
}

// Publisher pushes notices to subscribers.
type Publisher interface {
	Publish(ctx context.Context, notes ...Notification) error
}

// Handler consumes one notice.
type Handler func(ctx context.Context, n Notification)

// Subscriber delivers notices until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// Bus is an in-process publisher and subscriber. Publish calls handlers
// synchronously, so a write's notices are applied before Publish returns.
type Bus struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]Handler
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[int]Handler)}
}

func (b *Bus) Publish(ctx context.Context, notes ...Notification) error {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		hs = append(hs, h)
	}
	b.mu.RUnlock()
	for _, n := range notes {
		for _, h := range hs {
			h(ctx, n)
		}
	}
	return nil
}

// Subscribe registers h and blocks until ctx is done.
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// Attach registers h without blocking and returns a function that removes it.
func (b *Bus) Attach(h Handler) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = h
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}
