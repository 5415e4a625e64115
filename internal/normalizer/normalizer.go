// Package normalizer rewrites embedded sub-documents of legacy collections
// into references to entities stored by their owning service. Every
// rewrite is preceded by an audit record holding the original object, so
// the migration can be reversed from the trail alone.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"erpsplit/internal/domain"
	"erpsplit/internal/platform/metrics"
	"erpsplit/internal/registry"
	"erpsplit/internal/store"
	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/sentinel"
)

const DefaultBatchSize = 100

// referenceNamespace seeds ids derived from key fields, so the same
// embedded object always maps to the same entity.
var referenceNamespace = uuid.MustParse("5d3f0c1e-7a47-4c2b-9e0d-2f6b8a1c4e93")

type outcome int

const (
	outcomeMigrated outcome = iota
	outcomeSkipped
	outcomeReview
)

type Normalizer struct {
	owners    Owners
	docs      store.DocumentStore
	plans     PlanStore
	review    ReviewQueue
	auditor   Auditor
	logger    *slog.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
	batchSize int
}

type Option func(*Normalizer)

func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Normalizer) { n.metrics = m }
}

// WithBatchSize sets how many documents ApplyStep reads per call.
func WithBatchSize(size int) Option {
	return func(n *Normalizer) {
		if size > 0 {
			n.batchSize = size
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// New builds a normalizer over the legacy document store. The auditor is
// required: no document is rewritten without a record of what it held.
func New(owners Owners, docs store.DocumentStore, plans PlanStore, review ReviewQueue, auditor Auditor, opts ...Option) (*Normalizer, error) {
	if owners == nil {
		return nil, fmt.Errorf("owners is required")
	}
	if docs == nil {
		return nil, fmt.Errorf("document store is required")
	}
	if plans == nil {
		return nil, fmt.Errorf("plan store is required")
	}
	if review == nil {
		return nil, fmt.Errorf("review queue is required")
	}
	if auditor == nil {
		return nil, fmt.Errorf("auditor is required")
	}
	n := &Normalizer{
		owners:    owners,
		docs:      docs,
		plans:     plans,
		review:    review,
		auditor:   auditor,
		logger:    slog.Default(),
		tracer:    otel.Tracer("erpsplit/normalizer"),
		now:       time.Now,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// ApplyStep migrates the next batch of documents after cursor. Per-document
// failures are collected in the result; an error means the batch itself
// could not run and may be retried from the same cursor.
func (n *Normalizer) ApplyStep(ctx context.Context, step Step, cursor domain.EntityID) (result StepResult, err error) {
	ctx, span := n.tracer.Start(ctx, "normalizer.ApplyStep",
		trace.WithAttributes(
			attribute.String("step.id", step.ID),
			attribute.String("step.collection", step.Collection),
			attribute.String("step.cursor", cursor.String()),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.SetAttributes(
			attribute.Int("step.migrated", result.Migrated),
			attribute.Int("step.errors", len(result.Errors)),
		)
		span.End()
	}()

	if step.Collection == "" || step.FieldPath == "" || step.TargetField == "" {
		return StepResult{}, dErrors.New(dErrors.CodeValidation, "step requires collection, field path and target field")
	}
	owner, err := n.owners.ResolveOwner(step.TargetType)
	if err != nil {
		return StepResult{}, err
	}
	docs, err := n.docs.Scan(ctx, step.Collection, cursor, n.batchSize)
	if err != nil {
		return StepResult{}, fmt.Errorf("scan %s after %q: %w", step.Collection, cursor, err)
	}

	result.Next = cursor
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			// Documents before this one are done; report how far we got.
			return result, dErrors.Wrap(err, dErrors.CodeCancelled, "step interrupted")
		}
		out, err := n.migrate(ctx, step, owner, doc)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, doc.ID)
			n.logger.WarnContext(ctx, "document migration failed",
				"step_id", step.ID,
				"document_id", doc.ID,
				"error", dErrors.Wrap(err, dErrors.CodeMigrationStep, "document not migrated"),
			)
		case out == outcomeMigrated:
			result.Migrated++
		case out == outcomeSkipped:
			result.Skipped++
		case out == outcomeReview:
			result.Review++
		}
		result.Next = doc.ID
	}
	result.Done = len(docs) < n.batchSize

	n.record(step, result)
	n.emit(ctx, audit.Event{
		Action:  string(audit.EventStepBatchApplied),
		PlanID:  step.PlanID,
		StepID:  step.ID,
		Subject: step.Collection,
		Outcome: batchOutcome(result),
		Detail: map[string]any{
			"cursor":   cursor.String(),
			"next":     result.Next.String(),
			"migrated": result.Migrated,
			"skipped":  result.Skipped,
			"review":   result.Review,
			"errors":   len(result.Errors),
			"done":     result.Done,
		},
	})
	return result, nil
}

func (n *Normalizer) migrate(ctx context.Context, step Step, owner registry.ServiceHandle, doc domain.Document) (outcome, error) {
	raw, ok := doc.Lookup(step.FieldPath)
	if !ok {
		return outcomeSkipped, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return outcomeSkipped, nil
	}

	id, source, ok := extractKey(step, obj)
	if !ok {
		return outcomeReview, n.flag(ctx, step, doc, obj)
	}

	entity := domain.Entity{
		ID:         id,
		Type:       step.TargetType,
		Owner:      owner.Service,
		Attributes: attributesOf(obj),
	}
	if _, err := owner.Store.Commit(ctx, store.Batch{
		Mutations: []store.Mutation{{Op: store.OpEnsure, Entity: entity}},
	}); err != nil {
		return 0, fmt.Errorf("ensure %s in %s: %w", entity.Key(), owner.Service, err)
	}

	rewritten := doc.Clone()
	rewritten.Delete(step.FieldPath)
	rewritten.Set(step.TargetField, id.String())
	if snap := snapshotOf(step, obj); snap != nil {
		rewritten.Set(step.SnapshotField(), map[string]any{
			"fields":     snap,
			"capturedAt": n.now().UTC().Format(time.RFC3339),
		})
	}

	// The trail must hold the original object before the document loses it.
	if err := n.auditor.Emit(ctx, audit.Event{
		Action:  string(audit.EventReferenceExtracted),
		PlanID:  step.PlanID,
		StepID:  step.ID,
		Subject: step.Collection + "/" + doc.ID.String(),
		Target:  entity.Key().String(),
		Outcome: "migrated",
		Detail: map[string]any{
			"collection":  step.Collection,
			"documentId":  doc.ID.String(),
			"fieldPath":   step.FieldPath,
			"targetField": step.TargetField,
			"targetType":  step.TargetType.String(),
			"targetId":    id.String(),
			"keySource":   source,
			"original":    obj,
		},
	}); err != nil {
		return 0, fmt.Errorf("audit extraction of %s: %w", doc.ID, err)
	}

	if _, err := n.docs.Replace(ctx, rewritten); err != nil {
		if errors.Is(err, sentinel.ErrVersionConflict) {
			return 0, dErrors.Wrap(err, dErrors.CodeVersionConflict, "document changed during migration")
		}
		return 0, fmt.Errorf("rewrite %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return outcomeMigrated, nil
}

func (n *Normalizer) flag(ctx context.Context, step Step, doc domain.Document, obj map[string]any) error {
	item := ReviewItem{
		PlanID:     step.PlanID,
		StepID:     step.ID,
		Collection: step.Collection,
		DocumentID: doc.ID,
		Reason:     "embedded object has no identifying key",
		Fields:     obj,
		CreatedAt:  n.now(),
	}
	if err := n.review.Flag(ctx, item); err != nil {
		return fmt.Errorf("flag %s/%s for review: %w", doc.Collection, doc.ID, err)
	}
	n.emit(ctx, audit.Event{
		Action:  string(audit.EventDocumentFlagged),
		PlanID:  step.PlanID,
		StepID:  step.ID,
		Subject: step.Collection + "/" + doc.ID.String(),
		Outcome: "review",
		Detail:  map[string]any{"reason": item.Reason, "fieldPath": step.FieldPath},
	})
	return nil
}

// extractKey finds the embedded object's identity: an explicit id, else an
// id derived from the step's key fields. source says which.
func extractKey(step Step, obj map[string]any) (domain.EntityID, string, bool) {
	for _, field := range []string{"id", "_id"} {
		if v, ok := obj[field]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return domain.EntityID(s), field, true
			}
		}
	}
	if len(step.KeyFields) == 0 {
		return "", "", false
	}
	parts := make([]string, 0, len(step.KeyFields)+1)
	parts = append(parts, step.TargetType.String())
	for _, field := range step.KeyFields {
		v, ok := obj[field]
		if !ok || v == nil {
			return "", "", false
		}
		s := fmt.Sprint(v)
		if s == "" {
			return "", "", false
		}
		parts = append(parts, s)
	}
	id := uuid.NewSHA1(referenceNamespace, []byte(strings.Join(parts, "\x00")))
	return domain.EntityID(id.String()), "derived", true
}

func attributesOf(obj map[string]any) map[string]any {
	attrs := maps.Clone(obj)
	delete(attrs, "id")
	delete(attrs, "_id")
	return attrs
}

func snapshotOf(step Step, obj map[string]any) map[string]any {
	if len(step.SnapshotFields) == 0 {
		return nil
	}
	snap := make(map[string]any, len(step.SnapshotFields))
	for _, field := range step.SnapshotFields {
		if v, ok := obj[field]; ok {
			snap[field] = v
		}
	}
	if len(snap) == 0 {
		return nil
	}
	return snap
}

func batchOutcome(r StepResult) string {
	switch {
	case len(r.Errors) > 0:
		return "partial"
	case r.Review > 0:
		return "review"
	default:
		return "ok"
	}
}

func (n *Normalizer) record(step Step, r StepResult) {
	n.metrics.ObserveMigration(step.ID, "migrated", r.Migrated)
	n.metrics.ObserveMigration(step.ID, "skipped", r.Skipped)
	n.metrics.ObserveMigration(step.ID, "review", r.Review)
	n.metrics.ObserveMigration(step.ID, "error", len(r.Errors))
}

func (n *Normalizer) emit(ctx context.Context, event audit.Event) {
	if err := n.auditor.Emit(ctx, event); err != nil {
		n.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}

// Review lists documents waiting for a manual decision.
func (n *Normalizer) Review(ctx context.Context, filter ReviewFilter) ([]ReviewItem, error) {
	items, err := n.review.ListReview(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list review queue")
	}
	return items, nil
}

func sameSteps(a, b []Step) bool {
	return slices.EqualFunc(a, b, func(x, y Step) bool {
		return x.ID == y.ID &&
			x.Collection == y.Collection &&
			x.FieldPath == y.FieldPath &&
			x.TargetType == y.TargetType &&
			x.TargetField == y.TargetField &&
			slices.Equal(x.KeyFields, y.KeyFields) &&
			slices.Equal(x.SnapshotFields, y.SnapshotFields)
	})
}
