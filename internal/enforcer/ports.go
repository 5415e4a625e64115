package enforcer

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks Transport,Auditor

import (
	"context"
	"time"

	"erpsplit/internal/domain"
	"erpsplit/internal/registry"
	"erpsplit/internal/store"
	audit "erpsplit/pkg/platform/audit"
)

// Router is the slice of the bounded-context router the enforcer uses.
type Router interface {
	BoundaryOf(t domain.EntityType) (domain.BoundaryName, error)
	Boundary(name domain.BoundaryName) (registry.Boundary, bool)
	BoundaryStore(name domain.BoundaryName) (store.Backend, bool)
}

// Transport delivers a command to its target boundary. A nil error means
// the target acknowledged it.
type Transport interface {
	Send(ctx context.Context, cmd Command) error
}

// OperationStore persists operation records.
type OperationStore interface {
	// Create inserts a new record; an existing id yields sentinel.ErrAlreadyApplied.
	Create(ctx context.Context, rec Record) error
	// Save overwrites the stored record only while it is still in status from
	// and held by rec.Claim; otherwise it returns sentinel.ErrVersionConflict.
	// A terminal record is therefore never overwritten.
	Save(ctx context.Context, rec Record, from Status) error
	// Claim gives a non-terminal record to claim until the given time. It
	// succeeds when the record is already held by claim or the previous
	// claim expired before now, and returns sentinel.ErrVersionConflict
	// otherwise.
	Claim(ctx context.Context, id, claim string, until, now time.Time) (Record, error)
	// Get returns sentinel.ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (Record, error)
	ListByStatus(ctx context.Context, status Status) ([]Record, error)
}

// CompensationLog is the append-only list of undeliverable commands.
type CompensationLog interface {
	Record(ctx context.Context, c Compensation) error
	List(ctx context.Context, operationID string) ([]Compensation, error)
}

// Auditor emits settlement audit events.
type Auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}
