package normalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"erpsplit/internal/domain"
	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/sentinel"
)

const DefaultBatchRetries = 5

// Runner executes a plan batch by batch, checkpointing after every batch
// so an interrupted run resumes where it stopped.
type Runner struct {
	normalizer      *Normalizer
	checkpoints     CheckpointStore
	logger          *slog.Logger
	maxRetries      uint64
	initialInterval time.Duration
	maxInterval     time.Duration
}

type RunnerOption func(*Runner)

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBatchRetries bounds how often a failing batch is retried before its
// step is reported incomplete.
func WithBatchRetries(n uint64) RunnerOption {
	return func(r *Runner) { r.maxRetries = n }
}

func WithRetryInterval(initial, ceiling time.Duration) RunnerOption {
	return func(r *Runner) {
		if initial > 0 {
			r.initialInterval = initial
		}
		if ceiling > 0 {
			r.maxInterval = ceiling
		}
	}
}

func NewRunner(n *Normalizer, checkpoints CheckpointStore, opts ...RunnerOption) (*Runner, error) {
	if n == nil {
		return nil, fmt.Errorf("normalizer is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("checkpoint store is required")
	}
	r := &Runner{
		normalizer:      n,
		checkpoints:     checkpoints,
		logger:          n.logger,
		maxRetries:      DefaultBatchRetries,
		initialInterval: 200 * time.Millisecond,
		maxInterval:     10 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// RunPlan loads a stored plan and runs it.
func (r *Runner) RunPlan(ctx context.Context, planID string) (Report, error) {
	plan, err := r.normalizer.GetPlan(ctx, planID)
	if err != nil {
		return Report{}, err
	}
	return r.Run(ctx, plan)
}

// Run executes every step in order. A step whose batch keeps failing is
// reported incomplete and the run moves on; only cancellation stops the
// run early.
func (r *Runner) Run(ctx context.Context, plan Plan) (Report, error) {
	report := Report{PlanID: plan.ID}
	for _, step := range plan.Steps {
		sr, err := r.runStep(ctx, step)
		report.Steps = append(report.Steps, sr)
		if err != nil {
			return report, err
		}
	}
	r.logger.InfoContext(ctx, "migration run finished", "plan_id", plan.ID, "complete", report.Complete())
	return report, nil
}

func (r *Runner) runStep(ctx context.Context, step Step) (StepReport, error) {
	sr := StepReport{StepID: step.ID}

	cp, err := r.checkpoints.GetCheckpoint(ctx, step.PlanID, step.ID)
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		cp = Checkpoint{PlanID: step.PlanID, StepID: step.ID}
	case err != nil:
		sr.Failure = fmt.Sprintf("read checkpoint: %v", err)
		return sr, nil
	case cp.Done && cp.Errors == 0:
		sr.Migrated, sr.Skipped, sr.Review = cp.Migrated, cp.Skipped, cp.Review
		sr.Complete = true
		return sr, nil
	case cp.Done:
		// Finished with failed documents: scan again, migrated ones are skipped.
		cp = Checkpoint{PlanID: step.PlanID, StepID: step.ID, Migrated: cp.Migrated}
	}

	for {
		res, err := r.applyWithRetry(ctx, step, cp.Cursor)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				sr.Failure = ctxErr.Error()
				return sr, dErrors.Wrap(ctxErr, dErrors.CodeCancelled, "migration run interrupted")
			}
			sr.Failure = err.Error()
			r.incomplete(ctx, step, cp, err)
			return sr, nil
		}

		sr.Batches++
		sr.Migrated += res.Migrated
		sr.Skipped += res.Skipped
		sr.Review += res.Review
		sr.Errors = append(sr.Errors, res.Errors...)

		cp.Cursor = res.Next
		cp.Done = res.Done
		cp.Migrated += res.Migrated
		cp.Skipped += res.Skipped
		cp.Review += res.Review
		cp.Errors += len(res.Errors)
		cp.UpdatedAt = r.normalizer.now()
		if err := r.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
			sr.Failure = fmt.Sprintf("save checkpoint: %v", err)
			r.incomplete(ctx, step, cp, err)
			return sr, nil
		}
		if res.Done {
			sr.Complete = true
			return sr, nil
		}
	}
}

func (r *Runner) applyWithRetry(ctx context.Context, step Step, cursor domain.EntityID) (StepResult, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialInterval
	b.MaxInterval = r.maxInterval
	b.MaxElapsedTime = 0

	op := func() (StepResult, error) {
		res, err := r.normalizer.ApplyStep(ctx, step, cursor)
		if err != nil && !retryable(err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.WarnContext(ctx, "migration batch failed, retrying",
			"step_id", step.ID, "cursor", cursor, "retry_in", wait, "error", err)
	}
	return backoff.RetryNotifyWithData(op,
		backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx), notify)
}

func retryable(err error) bool {
	return !dErrors.HasCode(err, dErrors.CodeUnknownEntityType) &&
		!dErrors.HasCode(err, dErrors.CodeValidation) &&
		!dErrors.HasCode(err, dErrors.CodeCancelled)
}

func (r *Runner) incomplete(ctx context.Context, step Step, cp Checkpoint, cause error) {
	r.logger.ErrorContext(ctx, "migration step incomplete",
		"plan_id", step.PlanID, "step_id", step.ID, "cursor", cp.Cursor, "error", cause)
	r.normalizer.emit(ctx, audit.Event{
		Action:  string(audit.EventStepIncomplete),
		PlanID:  step.PlanID,
		StepID:  step.ID,
		Subject: step.Collection,
		Outcome: "incomplete",
		Detail:  map[string]any{"cursor": cp.Cursor.String(), "error": cause.Error()},
	})
}
