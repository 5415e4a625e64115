package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
	"erpsplit/pkg/platform/sentinel"
)

// Store keeps entities and raw documents in process. A single mutex makes
// every batch atomic; it is meant for tests and local runs.
type Store struct {
	mu        sync.RWMutex
	entities  map[domain.Key]domain.Entity
	documents map[string]map[domain.EntityID]domain.Document
	tokens    map[string]string
}

// New returns an empty in-memory backend.
func New() *Store {
	return &Store{
		entities:  make(map[domain.Key]domain.Entity),
		documents: make(map[string]map[domain.EntityID]domain.Document),
		tokens:    make(map[string]string),
	}
}

func (s *Store) Find(_ context.Context, entityType domain.EntityType, id domain.EntityID) (domain.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[domain.Key{Type: entityType, ID: id}]
	if !ok {
		return domain.Entity{}, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *Store) Commit(ctx context.Context, batch store.Batch) (store.CommitResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return store.CommitResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return store.CommitResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if batch.DedupToken != "" {
		if _, seen := s.tokens[batch.DedupToken]; seen {
			return store.CommitResult{}, sentinel.ErrAlreadyApplied
		}
	}

	// Check every precondition before touching state.
	for _, m := range batch.Mutations {
		current, exists := s.entities[m.Entity.Key()]
		var stored int64
		if exists {
			stored = current.Version
		}
		if m.Op == store.OpEnsure {
			continue
		}
		if (m.Op == store.OpUpdate || m.Op == store.OpDelete) && !exists {
			return store.CommitResult{}, fmt.Errorf("%s does not exist: %w", m.Entity.Key(), sentinel.ErrVersionConflict)
		}
		if stored != m.Entity.Version {
			return store.CommitResult{}, fmt.Errorf("%s expected version %d, stored %d: %w",
				m.Entity.Key(), m.Entity.Version, stored, sentinel.ErrVersionConflict)
		}
	}

	result := store.CommitResult{CommitID: store.NewCommitID()}
	for _, m := range batch.Mutations {
		k := m.Entity.Key()
		switch m.Op {
		case store.OpEnsure:
			if _, exists := s.entities[k]; exists {
				continue
			}
			fallthrough
		case store.OpCreate, store.OpUpdate:
			e := m.Entity.Clone()
			e.Version = m.Entity.Version + 1
			s.entities[k] = e
			result.Changes = append(result.Changes, store.Change{Key: k, Version: e.Version})
		case store.OpDelete:
			delete(s.entities, k)
			result.Changes = append(result.Changes, store.Change{Key: k, Version: m.Entity.Version + 1, Deleted: true})
		}
	}
	if batch.DedupToken != "" {
		s.tokens[batch.DedupToken] = result.CommitID
	}
	return result, nil
}

func (s *Store) Scan(_ context.Context, collection string, after domain.EntityID, limit int) ([]domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll := s.documents[collection]
	ids := make([]domain.EntityID, 0, len(coll))
	for id := range coll {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]domain.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, coll[id].Clone())
	}
	return out, nil
}

func (s *Store) Insert(_ context.Context, doc domain.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.documents[doc.Collection]
	if !ok {
		coll = make(map[domain.EntityID]domain.Document)
		s.documents[doc.Collection] = coll
	}
	if _, exists := coll[doc.ID]; exists {
		return fmt.Errorf("%s/%s exists: %w", doc.Collection, doc.ID, sentinel.ErrVersionConflict)
	}
	doc = doc.Clone()
	if doc.Version == 0 {
		doc.Version = 1
	}
	coll[doc.ID] = doc
	return nil
}

func (s *Store) Replace(_ context.Context, doc domain.Document) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.documents[doc.Collection][doc.ID]
	if !ok {
		return domain.Document{}, sentinel.ErrNotFound
	}
	if current.Version != doc.Version {
		return domain.Document{}, fmt.Errorf("%s/%s expected version %d, stored %d: %w",
			doc.Collection, doc.ID, doc.Version, current.Version, sentinel.ErrVersionConflict)
	}
	next := doc.Clone()
	next.Version = doc.Version + 1
	s.documents[doc.Collection][doc.ID] = next
	return next.Clone(), nil
}

// Get returns a raw document; used by tests and the admin API.
func (s *Store) Get(_ context.Context, collection string, id domain.EntityID) (domain.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[collection][id]
	if !ok {
		return domain.Document{}, sentinel.ErrNotFound
	}
	return doc.Clone(), nil
}

func (s *Store) Close() error { return nil }
