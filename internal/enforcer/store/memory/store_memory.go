package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"erpsplit/internal/enforcer"
	"erpsplit/pkg/platform/sentinel"
)

// Store keeps operation records and compensations in process.
type Store struct {
	mu            sync.RWMutex
	records       map[string]enforcer.Record
	compensations []enforcer.Compensation
}

func New() *Store {
	return &Store{records: make(map[string]enforcer.Record)}
}

func (s *Store) Create(_ context.Context, rec enforcer.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return sentinel.ErrAlreadyApplied
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Save(_ context.Context, rec enforcer.Record, from enforcer.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.records[rec.ID]
	if !exists {
		return sentinel.ErrNotFound
	}
	if current.Status != from || current.Claim != rec.Claim {
		return sentinel.ErrVersionConflict
	}
	s.records[rec.ID] = clone(rec)
	return nil
}

func (s *Store) Claim(_ context.Context, id, claim string, until, now time.Time) (enforcer.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, exists := s.records[id]
	if !exists {
		return enforcer.Record{}, sentinel.ErrNotFound
	}
	if rec.Status.IsTerminal() {
		return enforcer.Record{}, sentinel.ErrVersionConflict
	}
	if rec.Claim != claim && rec.ClaimUntil.After(now) {
		return enforcer.Record{}, sentinel.ErrVersionConflict
	}
	rec.Claim = claim
	rec.ClaimUntil = until
	s.records[id] = rec
	return clone(rec), nil
}

func (s *Store) Get(_ context.Context, id string) (enforcer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return enforcer.Record{}, sentinel.ErrNotFound
	}
	return clone(rec), nil
}

func (s *Store) ListByStatus(_ context.Context, status enforcer.Status) ([]enforcer.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enforcer.Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, clone(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Record appends a compensation. Recording the same command twice keeps
// the first entry.
func (s *Store) Record(_ context.Context, c enforcer.Compensation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.compensations {
		if existing.Command.DedupToken == c.Command.DedupToken {
			return nil
		}
	}
	s.compensations = append(s.compensations, c)
	return nil
}

func (s *Store) List(_ context.Context, operationID string) ([]enforcer.Compensation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []enforcer.Compensation
	for _, c := range s.compensations {
		if operationID == "" || c.OperationID == operationID {
			out = append(out, c)
		}
	}
	return out, nil
}

func clone(rec enforcer.Record) enforcer.Record {
	rec.Commands = slices.Clone(rec.Commands)
	rec.Mutations = slices.Clone(rec.Mutations)
	return rec
}
