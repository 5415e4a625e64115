package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"erpsplit/internal/normalizer"
	"erpsplit/pkg/platform/sentinel"
)

type checkpointKey struct{ plan, step string }

type reviewKey struct {
	step string
	doc  string
}

// Store keeps plans, checkpoints and the review queue in process.
type Store struct {
	mu          sync.RWMutex
	plans       map[string]normalizer.Plan
	checkpoints map[checkpointKey]normalizer.Checkpoint
	review      map[reviewKey]normalizer.ReviewItem
}

func New() *Store {
	return &Store{
		plans:       make(map[string]normalizer.Plan),
		checkpoints: make(map[checkpointKey]normalizer.Checkpoint),
		review:      make(map[reviewKey]normalizer.ReviewItem),
	}
}

func (s *Store) SavePlan(_ context.Context, plan normalizer.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.plans[plan.ID]; exists {
		return sentinel.ErrAlreadyApplied
	}
	plan.Steps = slices.Clone(plan.Steps)
	s.plans[plan.ID] = plan
	return nil
}

func (s *Store) GetPlan(_ context.Context, id string) (normalizer.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan, ok := s.plans[id]
	if !ok {
		return normalizer.Plan{}, sentinel.ErrNotFound
	}
	plan.Steps = slices.Clone(plan.Steps)
	return plan, nil
}

func (s *Store) ListPlans(_ context.Context) ([]normalizer.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]normalizer.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		p.Steps = slices.Clone(p.Steps)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetCheckpoint(_ context.Context, planID, stepID string) (normalizer.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[checkpointKey{planID, stepID}]
	if !ok {
		return normalizer.Checkpoint{}, sentinel.ErrNotFound
	}
	return cp, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp normalizer.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpointKey{cp.PlanID, cp.StepID}] = cp
	return nil
}

func (s *Store) Flag(_ context.Context, item normalizer.ReviewItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := reviewKey{item.StepID, item.DocumentID.String()}
	if existing, ok := s.review[k]; ok {
		item.CreatedAt = existing.CreatedAt
	}
	s.review[k] = item
	return nil
}

func (s *Store) ListReview(_ context.Context, filter normalizer.ReviewFilter) ([]normalizer.ReviewItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []normalizer.ReviewItem
	for _, item := range s.review {
		if filter.PlanID != "" && item.PlanID != filter.PlanID {
			continue
		}
		if filter.StepID != "" && item.StepID != filter.StepID {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StepID != out[j].StepID {
			return out[i].StepID < out[j].StepID
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
