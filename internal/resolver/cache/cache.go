package cache

import (
	"context"
	"sync"
	"time"

	"erpsplit/internal/domain"
)

// Cache is a read-through entity cache keyed by (type, id).
//
// Invalidate records a version floor for the key: entries older than the
// floor are dropped and later Puts below it are ignored, so a read that
// started before the invalidation cannot bring a stale copy back.
type Cache interface {
	Get(ctx context.Context, key domain.Key) (domain.Entity, bool, error)
	Put(ctx context.Context, entity domain.Entity) error
	Invalidate(ctx context.Context, key domain.Key, version int64) error
}

const (
	numShards  = 64
	DefaultTTL = 5 * time.Minute
)

type entry struct {
	entity  domain.Entity
	expires time.Time
}

type floor struct {
	version int64
	expires time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[domain.Key]entry
	floors  map[domain.Key]floor
}

// Memory is a sharded in-process cache. Keys are spread over shards by an
// FNV-1a hash so concurrent readers of different keys rarely contend.
type Memory struct {
	shards [numShards]*shard
	ttl    time.Duration
	now    func() time.Time
}

type MemoryOption func(*Memory)

func WithTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock overrides time.Now; used by tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{ttl: DefaultTTL, now: time.Now}
	for i := range m.shards {
		m.shards[i] = &shard{
			entries: make(map[domain.Key]entry),
			floors:  make(map[domain.Key]floor),
		}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(_ context.Context, key domain.Key) (domain.Entity, bool, error) {
	s := m.shardFor(key)
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || m.now().After(e.expires) {
		return domain.Entity{}, false, nil
	}
	return e.entity.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, entity domain.Entity) error {
	key := entity.Key()
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.floors[key]; ok {
		if now.After(f.expires) {
			delete(s.floors, key)
		} else if entity.Version < f.version {
			return nil
		}
	}
	if cur, ok := s.entries[key]; ok && cur.entity.Version > entity.Version && !now.After(cur.expires) {
		return nil
	}
	s.entries[key] = entry{entity: entity.Clone(), expires: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Invalidate(_ context.Context, key domain.Key, version int64) error {
	s := m.shardFor(key)
	now := m.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.floors[key]; !ok || f.version < version || now.After(f.expires) {
		s.floors[key] = floor{version: version, expires: now.Add(m.ttl)}
	}
	if cur, ok := s.entries[key]; ok && cur.entity.Version < version {
		delete(s.entries, key)
	}
	return nil
}

func (m *Memory) shardFor(key domain.Key) *shard {
	return m.shards[hashKey(key.String())%numShards]
}

func hashKey(s string) uint32 {
	const (
		fnvOffset = 2166136261
		fnvPrime  = 16777619
	)
	h := uint32(fnvOffset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= fnvPrime
	}
	return h
}
