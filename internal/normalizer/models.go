package normalizer

import (
	"strings"
	"time"

	"erpsplit/internal/domain"
)

// Plan is the ordered list of steps for one source schema version. Plans
// are kept forever as the record of what the migration did.
type Plan struct {
	ID            string    `json:"id"`
	SchemaVersion string    `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Steps         []Step    `json:"steps"`
}

// Step rewrites one embedded field of one collection into a reference.
type Step struct {
	ID             string            `json:"id"`
	PlanID         string            `json:"planId"`
	Collection     string            `json:"collection"`
	FieldPath      string            `json:"fieldPath"`
	TargetType     domain.EntityType `json:"targetType"`
	TargetField    string            `json:"targetField"`
	KeyFields      []string          `json:"keyFields,omitempty"`
	SnapshotFields []string          `json:"snapshotFields,omitempty"`
}

// parent returns the path prefix of the embedded field ("" at top level).
func (s Step) parent() string {
	if i := strings.LastIndex(s.FieldPath, "."); i >= 0 {
		return s.FieldPath[:i+1]
	}
	return ""
}

func (s Step) leaf() string {
	return s.FieldPath[len(s.parent()):]
}

// SnapshotField is where the display snapshot is written, next to the
// reference field.
func (s Step) SnapshotField() string {
	return s.parent() + s.leaf() + "Snapshot"
}

// StepResult reports one batch of a step.
type StepResult struct {
	Migrated int               `json:"migrated"`
	Skipped  int               `json:"skipped"`
	Review   int               `json:"review"`
	Errors   []domain.EntityID `json:"errors,omitempty"`
	Next     domain.EntityID   `json:"next"`
	Done     bool              `json:"done"`
}

// Checkpoint is the resume point of a step, with totals so far.
type Checkpoint struct {
	PlanID    string          `json:"planId"`
	StepID    string          `json:"stepId"`
	Cursor    domain.EntityID `json:"cursor"`
	Done      bool            `json:"done"`
	Migrated  int             `json:"migrated"`
	Skipped   int             `json:"skipped"`
	Review    int             `json:"review"`
	Errors    int             `json:"errors"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// ReviewItem is a document the normalizer could not migrate on its own.
// The document is left unchanged until an operator resolves it.
type ReviewItem struct {
	PlanID     string          `json:"planId"`
	StepID     string          `json:"stepId"`
	Collection string          `json:"collection"`
	DocumentID domain.EntityID `json:"documentId"`
	Reason     string          `json:"reason"`
	Fields     map[string]any  `json:"fields,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// ReviewFilter narrows ListReview. Zero fields match everything.
type ReviewFilter struct {
	PlanID string
	StepID string
	Limit  int
}

// StepReport summarizes a step over a whole run.
type StepReport struct {
	StepID   string            `json:"stepId"`
	Migrated int               `json:"migrated"`
	Skipped  int               `json:"skipped"`
	Review   int               `json:"review"`
	Errors   []domain.EntityID `json:"errors,omitempty"`
	Batches  int               `json:"batches"`
	Complete bool              `json:"complete"`
	Failure  string            `json:"failure,omitempty"`
}

// Report summarizes a run of a plan.
type Report struct {
	PlanID string       `json:"planId"`
	Steps  []StepReport `json:"steps"`
}

// Complete reports whether every step ran to the end.
func (r Report) Complete() bool {
	for _, s := range r.Steps {
		if !s.Complete {
			return false
		}
	}
	return true
}
