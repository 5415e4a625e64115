package normalizer

import (
	"context"

	"erpsplit/internal/domain"
	"erpsplit/internal/registry"
	audit "erpsplit/pkg/platform/audit"
)

// Owners resolves the service that owns an extracted entity type.
type Owners interface {
	ResolveOwner(t domain.EntityType) (registry.ServiceHandle, error)
}

type PlanStore interface {
	// SavePlan inserts a plan; an existing id yields sentinel.ErrAlreadyApplied.
	SavePlan(ctx context.Context, plan Plan) error
	GetPlan(ctx context.Context, id string) (Plan, error)
	ListPlans(ctx context.Context) ([]Plan, error)
}

type CheckpointStore interface {
	// GetCheckpoint returns sentinel.ErrNotFound before the first batch.
	GetCheckpoint(ctx context.Context, planID, stepID string) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
}

// ReviewQueue holds documents that need a human decision. Flagging the same
// document for the same step twice keeps one item.
type ReviewQueue interface {
	Flag(ctx context.Context, item ReviewItem) error
	ListReview(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error)
}

// Auditor receives the migration audit trail.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}
