// Package store defines the capability interfaces every storage backend
// implements. Services depend on these, never on a concrete backend; the
// bounded-context router hands out the backend that owns an entity type.
package store

import (
	"context"
	"fmt"

	"erpsplit/internal/domain"

	"github.com/google/uuid"
)

// Op is the kind of mutation applied to an entity.
type Op string

const (
	// OpCreate inserts a new entity; the expected version must be 0.
	OpCreate Op = "create"
	// OpUpdate replaces attributes; the expected version must match the stored one.
	OpUpdate Op = "update"
	// OpDelete removes the entity; the expected version must match the stored one.
	OpDelete Op = "delete"
	// OpEnsure creates the entity when absent and is a no-op otherwise.
	OpEnsure Op = "ensure"
)

// Mutation is one entity change. Entity.Version carries the expected stored
// version; the committed version is Entity.Version+1.
type Mutation struct {
	Op     Op            `json:"op"`
	Entity domain.Entity `json:"entity"`
}

// Batch is applied all-or-nothing. When DedupToken is set a backend records
// it in the same atomic write and rejects later batches with the same token
// with sentinel.ErrAlreadyApplied.
type Batch struct {
	Mutations  []Mutation
	DedupToken string
}

// Change describes one committed mutation.
type Change struct {
	Key     domain.Key
	Version int64
	Deleted bool
}

// CommitResult lists the changes a batch produced. Ensure mutations that hit
// an existing entity produce no change.
type CommitResult struct {
	CommitID string
	Changes  []Change
}

// EntityReader performs point reads by id. Missing entities yield sentinel.ErrNotFound.
type EntityReader interface {
	Find(ctx context.Context, entityType domain.EntityType, id domain.EntityID) (domain.Entity, error)
}

// EntityWriter commits batches atomically within one store. A stale expected
// version yields sentinel.ErrVersionConflict and nothing is written.
type EntityWriter interface {
	Commit(ctx context.Context, batch Batch) (CommitResult, error)
}

// EntityStore is the capability pair the resolver and enforcer rely on.
type EntityStore interface {
	EntityReader
	EntityWriter
}

// DocumentScanner pages through a collection in ascending id order.
type DocumentScanner interface {
	Scan(ctx context.Context, collection string, after domain.EntityID, limit int) ([]domain.Document, error)
}

// DocumentWriter writes raw documents. Replace checks doc.Version against the
// stored version and returns the document with its new version.
type DocumentWriter interface {
	Insert(ctx context.Context, doc domain.Document) error
	Replace(ctx context.Context, doc domain.Document) (domain.Document, error)
}

// DocumentStore is what the normalizer needs from a legacy collection store.
type DocumentStore interface {
	DocumentScanner
	DocumentWriter
}

// Backend is a full storage engine handle owned by one service runtime.
type Backend interface {
	EntityStore
	DocumentStore
	Close() error
}

// NewCommitID returns a fresh identifier for a committed batch.
func NewCommitID() string {
	return uuid.NewString()
}

// ValidateBatch rejects empty batches, incomplete entities, unknown ops and
// batches that touch the same entity twice.
func ValidateBatch(b Batch) error {
	if len(b.Mutations) == 0 {
		return fmt.Errorf("empty batch")
	}
	seen := make(map[domain.Key]struct{}, len(b.Mutations))
	for i, m := range b.Mutations {
		if m.Entity.ID == "" || m.Entity.Type == "" {
			return fmt.Errorf("mutation %d: entity type and id are required", i)
		}
		switch m.Op {
		case OpCreate, OpEnsure:
			if m.Entity.Version != 0 {
				return fmt.Errorf("mutation %d: %s expects version 0, got %d", i, m.Op, m.Entity.Version)
			}
		case OpUpdate, OpDelete:
		default:
			return fmt.Errorf("mutation %d: unknown op %q", i, m.Op)
		}
		k := m.Entity.Key()
		if _, dup := seen[k]; dup {
			return fmt.Errorf("mutation %d: %s appears twice in batch", i, k)
		}
		seen[k] = struct{}{}
	}
	return nil
}
