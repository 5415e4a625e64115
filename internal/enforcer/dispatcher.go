package enforcer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"erpsplit/internal/domain"
	"erpsplit/internal/platform/metrics"
	dErrors "erpsplit/pkg/domain-errors"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/circuit"
	"erpsplit/pkg/platform/sentinel"
)

const (
	DefaultMaxAttempts     = 3
	DefaultMaxInFlight     = 16
	defaultRetryInterval   = 200 * time.Millisecond
	defaultMaxRetryWait    = 5 * time.Second
	defaultBreakerFailures = 5
	DefaultLease           = 30 * time.Second
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	errCircuitOpen      = errors.New("circuit open")
)

// Dispatcher delivers an operation's commands in the background. Each
// command is retried with exponential backoff up to maxAttempts; a breaker
// per target boundary sheds load from a boundary that keeps failing.
type Dispatcher struct {
	transport     Transport
	ops           OperationStore
	compensations CompensationLog
	auditor       Auditor
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time

	maxAttempts   int
	retryInterval time.Duration
	maxRetryWait  time.Duration
	lease         time.Duration
	sem           *semaphore.Weighted

	breakerMu       sync.Mutex
	breakers        map[domain.BoundaryName]*circuit.Breaker
	breakerFailures int
	breakerCooldown time.Duration

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithMaxAttempts(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithRetryInterval sets the first backoff wait and its cap.
func WithRetryInterval(initial, ceiling time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if initial > 0 {
			d.retryInterval = initial
		}
		if ceiling > 0 {
			d.maxRetryWait = ceiling
		}
	}
}

// WithLease sets how long a claim on an operation stays valid without a
// heartbeat. Another process may take over an operation whose lease ran out.
func WithLease(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.lease = d
		}
	}
}

// WithMaxInFlight bounds concurrent deliveries across all operations.
func WithMaxInFlight(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithBreaker(failures int, cooldown time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if failures > 0 {
			d.breakerFailures = failures
		}
		d.breakerCooldown = cooldown
	}
}

func WithDispatchLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithDispatchMetrics(m *metrics.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithDispatchAuditor(a Auditor) DispatcherOption {
	return func(d *Dispatcher) { d.auditor = a }
}

func NewDispatcher(transport Transport, ops OperationStore, compensations CompensationLog, opts ...DispatcherOption) (*Dispatcher, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if ops == nil {
		return nil, fmt.Errorf("operation store is required")
	}
	if compensations == nil {
		return nil, fmt.Errorf("compensation log is required")
	}
	d := &Dispatcher{
		transport:       transport,
		ops:             ops,
		compensations:   compensations,
		logger:          slog.Default(),
		tracer:          otel.Tracer("erpsplit/enforcer"),
		now:             time.Now,
		maxAttempts:     DefaultMaxAttempts,
		retryInterval:   defaultRetryInterval,
		maxRetryWait:    defaultMaxRetryWait,
		lease:           DefaultLease,
		sem:             semaphore.NewWeighted(DefaultMaxInFlight),
		breakers:        make(map[domain.BoundaryName]*circuit.Breaker),
		breakerFailures: defaultBreakerFailures,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch starts delivering rec's pending commands and returns at once.
// Delivery is detached from ctx: cancelling the caller does not stop it.
// rec must be held under rec.Claim; the claim is renewed while delivery
// runs and delivery stops if another process takes it over.
func (d *Dispatcher) Dispatch(ctx context.Context, rec Record) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.wg.Add(1)
	d.mu.Unlock()

	d.metrics.DispatchStarted()
	go func() {
		defer d.wg.Done()
		defer d.metrics.DispatchFinished()
		d.settle(context.WithoutCancel(ctx), rec)
	}()
	return nil
}

// Close stops accepting work and waits for in-flight deliveries until ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain dispatcher: %w", ctx.Err())
	}
}

func (d *Dispatcher) settle(ctx context.Context, rec Record) {
	ctx, span := d.tracer.Start(ctx, "enforcer.settle",
		trace.WithAttributes(
			attribute.String("operation.id", rec.ID),
			attribute.Int("commands", len(rec.Commands)),
		),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopHeartbeat := d.keepClaim(ctx, cancel, rec)
	defer stopHeartbeat()

	var wg sync.WaitGroup
	for i := range rec.Commands {
		if rec.Commands[i].Outcome != OutcomePending {
			continue
		}
		wg.Add(1)
		go func(state *CommandState) {
			defer wg.Done()
			d.deliver(ctx, state)
		}(&rec.Commands[i])
	}
	wg.Wait()

	final := StatusSettled
	for _, c := range rec.Commands {
		if c.Outcome == OutcomeExhausted {
			final = StatusPartiallyFailed
			break
		}
	}
	if err := rec.transition(final, d.now()); err != nil {
		d.logger.ErrorContext(ctx, "cannot settle operation", "operation_id", rec.ID, "error", err)
		return
	}
	stopHeartbeat()
	if err := d.ops.Save(context.WithoutCancel(ctx), rec, StatusDispatched); err != nil {
		span.RecordError(err)
		if errors.Is(err, sentinel.ErrVersionConflict) {
			d.logger.WarnContext(ctx, "operation was taken over by another claim; dropping result", "operation_id", rec.ID)
			return
		}
		d.logger.ErrorContext(ctx, "failed to save settled operation", "operation_id", rec.ID, "error", err)
	}
	ctx = context.WithoutCancel(ctx)
	d.metrics.ObserveOperation(rec.Boundary.String(), string(final))

	for _, c := range rec.Commands {
		if c.Outcome != OutcomeExhausted {
			continue
		}
		comp := Compensation{
			OperationID: rec.ID,
			Command:     c.Command,
			Reason:      c.LastError,
			Attempts:    c.Attempts,
			RecordedAt:  d.now(),
		}
		if err := d.compensations.Record(ctx, comp); err != nil {
			d.logger.ErrorContext(ctx, "failed to record compensation",
				"operation_id", rec.ID,
				"dedup_token", c.Command.DedupToken,
				"error", err,
			)
		}
		d.emit(ctx, audit.Event{
			Action:  string(audit.EventCommandExhausted),
			Subject: rec.ID,
			Target:  c.Command.Target.String(),
			Outcome: string(dErrors.CodeDeliveryExhausted),
			Detail:  map[string]any{"command": c.Command.Name, "attempts": c.Attempts, "error": c.LastError},
		})
	}
	d.emit(ctx, audit.Event{
		Action:  string(audit.EventOperationSettled),
		Subject: rec.ID,
		Outcome: string(final),
	})
	if final == StatusPartiallyFailed {
		span.SetStatus(codes.Error, "partially failed")
		d.logger.WarnContext(ctx, "operation partially failed", "operation_id", rec.ID, "name", rec.Name)
	} else {
		d.logger.InfoContext(ctx, "operation settled", "operation_id", rec.ID, "name", rec.Name)
	}
}

// keepClaim renews rec's lease every third of its length until the
// returned stop func is called. Losing the claim cancels delivery.
func (d *Dispatcher) keepClaim(ctx context.Context, lost context.CancelFunc, rec Record) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		every := d.lease / 3
		if every <= 0 {
			every = d.lease
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := d.now()
				_, err := d.ops.Claim(ctx, rec.ID, rec.Claim, now.Add(d.lease), now)
				if errors.Is(err, sentinel.ErrVersionConflict) {
					d.logger.WarnContext(ctx, "lost claim on operation", "operation_id", rec.ID)
					lost()
					return
				}
				if err != nil {
					d.logger.WarnContext(ctx, "failed to renew operation claim", "operation_id", rec.ID, "error", err)
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

func (d *Dispatcher) deliver(ctx context.Context, state *CommandState) {
	cmd := state.Command
	ctx, span := d.tracer.Start(ctx, "enforcer.deliver",
		trace.WithAttributes(
			attribute.String("command.name", cmd.Name),
			attribute.String("command.target", cmd.Target.String()),
			attribute.String("command.dedup_token", cmd.DedupToken),
		),
	)
	defer span.End()

	breaker := d.breakerFor(cmd.Target)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryInterval
	policy.MaxInterval = d.maxRetryWait
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		state.Attempts++
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return backoff.Permanent(err)
		}
		defer d.sem.Release(1)

		if !breaker.Allow() {
			return errCircuitOpen
		}
		err := d.transport.Send(ctx, cmd)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}
		if _, change := breaker.RecordFailure(); change.Opened {
			d.logger.WarnContext(ctx, "circuit opened for boundary", "target", cmd.Target.String())
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.maxAttempts-1)), ctx))

	if err == nil {
		state.Outcome = OutcomeAcked
		state.LastError = ""
		d.metrics.ObserveCommand(cmd.Target.String(), OutcomeAcked, state.Attempts)
		return
	}
	state.Outcome = OutcomeExhausted
	state.LastError = err.Error()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	d.metrics.ObserveCommand(cmd.Target.String(), OutcomeExhausted, state.Attempts)
	d.logger.WarnContext(ctx, "command delivery exhausted",
		"operation_id", cmd.OperationID,
		"command", cmd.Name,
		"target", cmd.Target.String(),
		"attempts", state.Attempts,
		"error", err,
	)
}

func (d *Dispatcher) breakerFor(target domain.BoundaryName) *circuit.Breaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	b, ok := d.breakers[target]
	if !ok {
		opts := []circuit.Option{circuit.WithFailureThreshold(d.breakerFailures)}
		if d.breakerCooldown > 0 {
			opts = append(opts, circuit.WithCooldown(d.breakerCooldown))
		}
		b = circuit.New(target.String(), opts...)
		d.breakers[target] = b
	}
	return b
}

func (d *Dispatcher) emit(ctx context.Context, event audit.Event) {
	if d.auditor == nil {
		return
	}
	if err := d.auditor.Emit(ctx, event); err != nil {
		d.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}

// isPermanent reports errors that retrying cannot fix: the receiver
// rejected the command itself.
func isPermanent(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeValidation) ||
		dErrors.HasCode(err, dErrors.CodeBoundaryViolation) ||
		dErrors.HasCode(err, dErrors.CodeUnknownEntityType)
}
