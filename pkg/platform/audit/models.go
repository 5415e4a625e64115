// Package audit is the append-only trail of schema migration and
// cross-boundary settlement decisions. Records are never updated or
// deleted; stores only append and list.
package audit

import (
	"context"
	"time"
)

// EventCategory groups events by retention and routing.
type EventCategory string

const (
	// CategoryMigration covers every data movement done by the normalizer.
	// Kept for the lifetime of the migrated data.
	CategoryMigration EventCategory = "migration"

	// CategorySettlement covers the outcome of cross-boundary commands.
	CategorySettlement EventCategory = "settlement"

	// CategoryOperations covers routine activity (plan created, registry reloaded).
	CategoryOperations EventCategory = "operations"
)

type AuditEvent string

const (
	// Migration events
	EventReferenceExtracted AuditEvent = "reference_extracted"
	EventStepBatchApplied   AuditEvent = "step_batch_applied"
	EventDocumentFlagged    AuditEvent = "document_flagged_for_review"
	EventStepIncomplete     AuditEvent = "step_incomplete"

	// Settlement events
	EventOperationCommitted AuditEvent = "operation_committed"
	EventCommandExhausted   AuditEvent = "command_delivery_exhausted"
	EventOperationSettled   AuditEvent = "operation_settled"

	// Operations events
	EventPlanCreated      AuditEvent = "plan_created"
	EventRegistryReloaded AuditEvent = "registry_reloaded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventReferenceExtracted: CategoryMigration,
	EventStepBatchApplied:   CategoryMigration,
	EventDocumentFlagged:    CategoryMigration,
	EventStepIncomplete:     CategoryMigration,

	EventOperationCommitted: CategorySettlement,
	EventCommandExhausted:   CategorySettlement,
	EventOperationSettled:   CategorySettlement,

	EventPlanCreated:      CategoryOperations,
	EventRegistryReloaded: CategoryOperations,
}

// Category returns the EventCategory for this audit event.
// Unknown events default to CategoryOperations.
func (e AuditEvent) Category() EventCategory {
	if cat, ok := eventCategories[e]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is one audit record. Subject identifies what was acted on
// ("Orders/o1", an operation id); Target the entity it now points to.
type Event struct {
	ID        string
	Category  EventCategory
	Timestamp time.Time
	Action    string
	PlanID    string
	StepID    string
	Subject   string
	Target    string
	Outcome   string
	Detail    map[string]any
}

// Filter narrows List. Zero fields match everything; Limit 0 means no limit.
type Filter struct {
	PlanID  string
	StepID  string
	Subject string
	Action  string
	Limit   int
}

// Matches reports whether e satisfies every set field of f.
func (f Filter) Matches(e Event) bool {
	return (f.PlanID == "" || f.PlanID == e.PlanID) &&
		(f.StepID == "" || f.StepID == e.StepID) &&
		(f.Subject == "" || f.Subject == e.Subject) &&
		(f.Action == "" || f.Action == e.Action)
}

// Store persists events append-only.
type Store interface {
	Append(ctx context.Context, event Event) error
	List(ctx context.Context, filter Filter) ([]Event, error)
}
