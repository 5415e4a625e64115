// Package backends opens a store.Backend from a URL. The scheme picks the
// engine: memory://, postgres:// (or postgresql://), ws:// or wss:// for
// SurrealDB.
package backends

import (
	"context"
	"fmt"
	"net/url"

	"erpsplit/internal/platform/postgres"
	"erpsplit/internal/platform/surreal"
	"erpsplit/internal/registry"
	"erpsplit/internal/store"
	"erpsplit/internal/store/memory"
	pgstore "erpsplit/internal/store/postgres"
	surrealstore "erpsplit/internal/store/surreal"
)

// Open connects to the backend at raw and creates its tables when the
// engine needs them.
func Open(ctx context.Context, raw string) (store.Backend, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "memory":
		return memory.New(), nil
	case "postgres", "postgresql":
		pool, err := postgres.OpenPool(ctx, raw)
		if err != nil {
			return nil, err
		}
		s := pgstore.New(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &pooled{Backend: s, close: pool.Close}, nil
	case "ws", "wss", "http", "https":
		db, err := surreal.Connect(ctx, raw)
		if err != nil {
			return nil, err
		}
		return surrealstore.New(db), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", u.Scheme)
	}
}

// OpenAll opens every named store. On failure the stores opened so far
// are closed.
func OpenAll(ctx context.Context, urls map[string]string) (registry.Stores, error) {
	stores := make(registry.Stores, len(urls))
	for name, raw := range urls {
		b, err := Open(ctx, raw)
		if err != nil {
			CloseAll(stores)
			return nil, fmt.Errorf("store %s: %w", name, err)
		}
		stores[name] = b
	}
	return stores, nil
}

func CloseAll(stores registry.Stores) {
	for _, b := range stores {
		_ = b.Close()
	}
}

// pooled closes the pgx pool it owns.
type pooled struct {
	store.Backend
	close func()
}

func (p *pooled) Close() error {
	p.close()
	return nil
}
