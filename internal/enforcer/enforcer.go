// Package enforcer applies a business operation's mutations atomically
// inside one transactional boundary, then issues its cross-boundary
// commands asynchronously. Nothing here ever writes to two boundaries in
// one transaction.
package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"erpsplit/internal/invalidation"
	"erpsplit/internal/platform/metrics"
	"erpsplit/internal/store"
	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/sentinel"
)

type Enforcer struct {
	router        Router
	ops           OperationStore
	compensations CompensationLog
	dispatcher    *Dispatcher
	publisher     invalidation.Publisher
	auditor       Auditor
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type Option func(*Enforcer)

// WithInvalidation publishes a notification for every committed entity.
func WithInvalidation(p invalidation.Publisher) Option {
	return func(e *Enforcer) { e.publisher = p }
}

func WithAuditor(a Auditor) Option {
	return func(e *Enforcer) { e.auditor = a }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Enforcer) {
		if now != nil {
			e.now = now
		}
	}
}

func New(router Router, ops OperationStore, compensations CompensationLog, dispatcher *Dispatcher, opts ...Option) (*Enforcer, error) {
	if router == nil {
		return nil, fmt.Errorf("router is required")
	}
	if ops == nil {
		return nil, fmt.Errorf("operation store is required")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}
	e := &Enforcer{
		router:        router,
		ops:           ops,
		compensations: compensations,
		dispatcher:    dispatcher,
		logger:        slog.Default(),
		tracer:        otel.Tracer("erpsplit/enforcer"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Execute commits op's mutations in its boundary and hands its commands to
// the dispatcher. It returns once the commit is durable and the commands
// are queued; delivery outcomes are visible through Status.
//
// Replaying an operation id returns the recorded result without writing
// again.
func (e *Enforcer) Execute(ctx context.Context, op Operation) (result OperationResult, err error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	ctx, span := e.tracer.Start(ctx, "enforcer.Execute",
		trace.WithAttributes(
			attribute.String("operation.id", op.ID),
			attribute.String("operation.name", op.Name),
			attribute.String("operation.boundary", op.Boundary.String()),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.SetAttributes(attribute.String("operation.status", string(result.Status)))
		span.End()
	}()

	if err := e.validate(op); err != nil {
		return OperationResult{}, err
	}

	if existing, err := e.ops.Get(ctx, op.ID); err == nil {
		return resultOf(existing), nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return OperationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read operation")
	}

	now := e.now()
	rec := Record{
		ID:         op.ID,
		Name:       op.Name,
		Boundary:   op.Boundary,
		Status:     StatusPending,
		Mutations:  op.Mutations,
		Commands:   e.buildCommands(op),
		Claim:      uuid.NewString(),
		ClaimUntil: now.Add(e.dispatcher.lease),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.ops.Create(ctx, rec); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyApplied) {
			existing, gerr := e.ops.Get(ctx, op.ID)
			if gerr == nil {
				return resultOf(existing), nil
			}
		}
		return OperationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record operation")
	}

	if err := ctx.Err(); err != nil {
		return e.abort(ctx, rec, dErrors.Wrap(err, dErrors.CodeCancelled, "operation cancelled before commit"))
	}

	backend, _ := e.router.BoundaryStore(op.Boundary)
	committed, err := backend.Commit(ctx, store.Batch{Mutations: op.Mutations, DedupToken: batchToken(op.ID)})
	if err != nil {
		return e.abort(ctx, rec, translateCommitError(err))
	}

	// Past this point the caller can no longer cancel the operation.
	return e.afterCommit(context.WithoutCancel(ctx), rec, committed.CommitID, committed.Changes)
}

// afterCommit records a pending operation as committed, announces the
// commit and starts delivering its commands. A failure to persist the
// committed state is logged rather than returned: the commit is durable and
// recovery finishes the operation from the pending record.
func (e *Enforcer) afterCommit(ctx context.Context, rec Record, commitID string, changes []store.Change) (OperationResult, error) {
	if err := rec.markCommitted(commitID, e.now()); err != nil {
		return OperationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "invalid operation state")
	}
	saved := true
	if err := e.ops.Save(ctx, rec, StatusPending); err != nil {
		saved = false
		e.logger.ErrorContext(ctx, "failed to save committed operation; leaving it to recovery",
			"operation_id", rec.ID, "error", err)
	}

	if e.publisher != nil && len(changes) > 0 {
		if err := e.publisher.Publish(ctx, invalidation.FromChanges(changes)...); err != nil {
			e.logger.WarnContext(ctx, "failed to publish invalidations", "operation_id", rec.ID, "error", err)
		}
	}
	e.emit(ctx, audit.Event{
		Action:  string(audit.EventOperationCommitted),
		Subject: rec.ID,
		Target:  rec.Boundary.String(),
		Outcome: string(StatusCommitted),
		Detail:  map[string]any{"name": rec.Name, "commit_id": commitID, "changes": len(changes)},
	})
	if !saved {
		return resultOf(rec), nil
	}
	return e.advance(ctx, rec)
}

// advance moves a committed record on: straight to settled when it has no
// commands, otherwise to the dispatcher.
func (e *Enforcer) advance(ctx context.Context, rec Record) (OperationResult, error) {
	if len(rec.Commands) == 0 {
		if err := rec.transition(StatusSettled, e.now()); err != nil {
			return OperationResult{}, dErrors.Wrap(err, dErrors.CodeInternal, "invalid operation state")
		}
		if err := e.ops.Save(ctx, rec, StatusCommitted); err != nil {
			e.logger.ErrorContext(ctx, "failed to save settled operation", "operation_id", rec.ID, "error", err)
		}
		e.metrics.ObserveOperation(rec.Boundary.String(), string(StatusSettled))
		return resultOf(rec), nil
	}

	if err := e.dispatch(ctx, &rec); err != nil {
		return resultOf(rec), err
	}
	return resultOf(rec), nil
}

// Status returns the recorded state of an operation. A settled operation
// whose command was later refused by the receiving inbox reads as
// partially failed.
func (e *Enforcer) Status(ctx context.Context, operationID string) (Record, error) {
	rec, err := e.ops.Get(ctx, operationID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return Record{}, dErrors.Newf(dErrors.CodeNotFound, "operation %s not found", operationID)
	}
	if err != nil {
		return Record{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read operation")
	}
	if rec.Status != StatusSettled || e.compensations == nil {
		return rec, nil
	}
	comps, err := e.compensations.List(ctx, operationID)
	if err != nil {
		e.logger.WarnContext(ctx, "failed to read compensations", "operation_id", operationID, "error", err)
		return rec, nil
	}
	return rec.withRejections(comps), nil
}

// Compensations lists undeliverable commands of an operation, or of all
// operations when operationID is empty.
func (e *Enforcer) Compensations(ctx context.Context, operationID string) ([]Compensation, error) {
	if e.compensations == nil {
		return nil, nil
	}
	out, err := e.compensations.List(ctx, operationID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list compensations")
	}
	return out, nil
}

// Resume finishes operations a stopped or crashed process left unsettled.
// Each record is first claimed; one whose lease is still live belongs to a
// running execution and is skipped.
//
// A pending record has its stored mutations committed again under the same
// batch token: a batch that already landed is reported as applied and the
// record is promoted to committed, otherwise the batch lands now. Committed
// and dispatched records are handed back to the dispatcher; receivers
// deduplicate by token, so commands already delivered are acknowledged
// again without effect.
func (e *Enforcer) Resume(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []Status{StatusPending, StatusCommitted, StatusDispatched} {
		recs, err := e.ops.ListByStatus(ctx, status)
		if err != nil {
			return resumed, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list unsettled operations")
		}
		for _, listed := range recs {
			now := e.now()
			rec, err := e.ops.Claim(ctx, listed.ID, uuid.NewString(), now.Add(e.dispatcher.lease), now)
			if errors.Is(err, sentinel.ErrVersionConflict) || errors.Is(err, sentinel.ErrNotFound) {
				continue
			}
			if err != nil {
				return resumed, dErrors.Wrap(err, dErrors.CodeInternal, "failed to claim operation")
			}
			if err := e.finish(ctx, rec); err != nil {
				return resumed, err
			}
			resumed++
		}
	}
	if resumed > 0 {
		e.logger.InfoContext(ctx, "resumed unsettled operations", "count", resumed)
	}
	return resumed, nil
}

// RunRecovery calls Resume every interval until ctx is done, so leases left
// by a crashed process are picked up without a restart.
func (e *Enforcer) RunRecovery(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Resume(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.ErrorContext(ctx, "operation recovery failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Enforcer) finish(ctx context.Context, rec Record) error {
	if rec.Status != StatusPending {
		_, err := e.advance(ctx, rec)
		return err
	}

	backend, ok := e.router.BoundaryStore(rec.Boundary)
	if !ok || len(rec.Mutations) == 0 {
		_, _ = e.abort(ctx, rec, dErrors.New(dErrors.CodeInternal, "operation cannot be recovered"))
		return nil
	}
	token := batchToken(rec.ID)
	committed, err := backend.Commit(ctx, store.Batch{Mutations: rec.Mutations, DedupToken: token})
	switch {
	case errors.Is(err, sentinel.ErrAlreadyApplied):
		e.logger.InfoContext(ctx, "promoting operation whose batch already committed", "operation_id", rec.ID)
		_, err = e.afterCommit(context.WithoutCancel(ctx), rec, token, nil)
	case err != nil:
		_, _ = e.abort(ctx, rec, translateCommitError(err))
		return nil
	default:
		_, err = e.afterCommit(context.WithoutCancel(ctx), rec, committed.CommitID, committed.Changes)
	}
	return err
}

func (e *Enforcer) dispatch(ctx context.Context, rec *Record) error {
	if rec.Status == StatusCommitted {
		if err := rec.transition(StatusDispatched, e.now()); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "invalid operation state")
		}
		if err := e.ops.Save(ctx, *rec, StatusCommitted); err != nil {
			e.logger.ErrorContext(ctx, "failed to save dispatched operation; leaving it to recovery",
				"operation_id", rec.ID, "error", err)
			return nil
		}
	}
	e.metrics.ObserveOperation(rec.Boundary.String(), string(StatusDispatched))
	if err := e.dispatcher.Dispatch(ctx, *rec); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to dispatch commands")
	}
	return nil
}

func (e *Enforcer) validate(op Operation) error {
	if op.Boundary == "" {
		return dErrors.New(dErrors.CodeValidation, "operation boundary is required")
	}
	if _, ok := e.router.Boundary(op.Boundary); !ok {
		return dErrors.Newf(dErrors.CodeValidation, "unknown boundary %q", op.Boundary)
	}
	if _, ok := e.router.BoundaryStore(op.Boundary); !ok {
		return dErrors.Newf(dErrors.CodeInternal, "boundary %q has no store", op.Boundary)
	}
	if len(op.Mutations) == 0 {
		return dErrors.New(dErrors.CodeValidation, "operation has no mutations")
	}
	for _, m := range op.Mutations {
		owner, err := e.router.BoundaryOf(m.Entity.Type)
		if err != nil {
			return err
		}
		if owner != op.Boundary {
			return dErrors.Newf(dErrors.CodeBoundaryViolation,
				"%s belongs to boundary %q, not %q; use a cross-boundary command", m.Entity.Key(), owner, op.Boundary)
		}
	}
	if err := store.ValidateBatch(store.Batch{Mutations: op.Mutations}); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "invalid mutations")
	}
	for i, c := range op.Commands {
		if c.Name == "" {
			return dErrors.Newf(dErrors.CodeValidation, "command %d has no name", i)
		}
		if c.Target == op.Boundary {
			return dErrors.Newf(dErrors.CodeValidation, "command %q targets its own boundary; make it a mutation", c.Name)
		}
		if _, ok := e.router.Boundary(c.Target); !ok {
			return dErrors.Newf(dErrors.CodeValidation, "command %q targets unknown boundary %q", c.Name, c.Target)
		}
	}
	return nil
}

// buildCommands derives the operation's commands. Their order tokens gain
// the commit id once the batch commits.
func (e *Enforcer) buildCommands(op Operation) []CommandState {
	if len(op.Commands) == 0 {
		return nil
	}
	issued := e.now()
	out := make([]CommandState, len(op.Commands))
	for i, req := range op.Commands {
		out[i] = CommandState{
			Command: Command{
				DedupToken:  DedupToken(op.ID, i),
				OperationID: op.ID,
				Origin:      op.Boundary,
				Target:      req.Target,
				Name:        req.Name,
				Payload:     req.Payload,
				Order:       OrderToken{Seq: i},
				IssuedAt:    issued,
			},
			Outcome: OutcomePending,
		}
	}
	return out
}

// abort records a pending operation as aborted. When another claim has
// moved the record on meanwhile, the stored state wins and is returned.
func (e *Enforcer) abort(ctx context.Context, rec Record, cause error) (OperationResult, error) {
	ctx = context.WithoutCancel(ctx)
	if err := rec.transition(StatusAborted, e.now()); err == nil {
		rec.Error = dErrors.MessageOf(cause)
		rec.Mutations = nil
		if err := e.ops.Save(ctx, rec, StatusPending); err != nil {
			if errors.Is(err, sentinel.ErrVersionConflict) {
				if current, gerr := e.ops.Get(ctx, rec.ID); gerr == nil && current.Status != StatusAborted {
					e.logger.WarnContext(ctx, "operation was finished by another claim", "operation_id", rec.ID, "status", current.Status)
					return resultOf(current), nil
				}
			}
			e.logger.ErrorContext(ctx, "failed to save aborted operation", "operation_id", rec.ID, "error", err)
		}
	}
	e.metrics.ObserveOperation(rec.Boundary.String(), string(StatusAborted))
	e.logger.InfoContext(ctx, "operation aborted", "operation_id", rec.ID, "name", rec.Name, "error", cause)
	return resultOf(rec), cause
}

func (e *Enforcer) emit(ctx context.Context, event audit.Event) {
	if e.auditor == nil {
		return
	}
	if err := e.auditor.Emit(ctx, event); err != nil {
		e.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}

func translateCommitError(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrVersionConflict):
		return dErrors.Wrap(err, dErrors.CodeVersionConflict, "stale entity version; nothing was written")
	case errors.Is(err, context.Canceled):
		return dErrors.Wrap(err, dErrors.CodeCancelled, "operation cancelled before commit")
	case errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, "operation timed out before commit")
	case errors.Is(err, sentinel.ErrAlreadyApplied):
		return dErrors.Wrap(err, dErrors.CodeVersionConflict, "operation batch was already committed")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to commit operation")
	}
}
