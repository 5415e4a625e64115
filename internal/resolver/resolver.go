// Package resolver turns references into entities by asking the owning
// service's store at read time. It never assumes the target still exists:
// a reference to a deleted entity resolves to "not found", not an error.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"erpsplit/internal/domain"
	"erpsplit/internal/invalidation"
	"erpsplit/internal/platform/metrics"
	"erpsplit/internal/registry"
	"erpsplit/internal/resolver/cache"
	dErrors "erpsplit/pkg/domain-errors"
	"erpsplit/pkg/platform/sentinel"
)

const defaultConcurrency = 8

// Owners resolves the service that owns an entity type.
type Owners interface {
	ResolveOwner(t domain.EntityType) (registry.ServiceHandle, error)
}

// Resolver reads referenced entities through an optional cache.
type Resolver struct {
	owners      Owners
	cache       cache.Cache
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	concurrency int
}

type Option func(*Resolver)

// WithCache enables read-through caching.
func WithCache(c cache.Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithConcurrency bounds the parallel point reads issued by ResolveMany.
func WithConcurrency(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func New(owners Owners, opts ...Option) *Resolver {
	r := &Resolver{
		owners:      owners,
		logger:      slog.Default(),
		tracer:      otel.Tracer("erpsplit/resolver"),
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the referenced entity. found is false, with a nil error,
// when the owner no longer has it.
func (r *Resolver) Resolve(ctx context.Context, ref domain.Reference) (entity domain.Entity, found bool, err error) {
	ctx, span := r.tracer.Start(ctx, "resolver.Resolve",
		trace.WithAttributes(
			attribute.String("entity.type", ref.TargetType.String()),
			attribute.String("entity.id", ref.TargetID.String()),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Bool("entity.found", found))
		span.End()
	}()

	if ref.TargetType == "" || ref.TargetID == "" {
		return domain.Entity{}, false, dErrors.New(dErrors.CodeBadRequest, "reference needs a target type and id")
	}
	owner, err := r.owners.ResolveOwner(ref.TargetType)
	if err != nil {
		return domain.Entity{}, false, err
	}

	key := ref.Target()
	if r.cache != nil {
		cached, hit, cerr := r.cache.Get(ctx, key)
		if cerr != nil {
			r.logger.WarnContext(ctx, "reference cache read failed", "key", key.String(), "error", cerr)
		} else if hit {
			r.metrics.ObserveLookup(key.Type.String(), "hit")
			return cached, true, nil
		}
	}

	entity, err = owner.Store.Find(ctx, ref.TargetType, ref.TargetID)
	if errors.Is(err, sentinel.ErrNotFound) {
		r.metrics.ObserveLookup(key.Type.String(), "not_found")
		return domain.Entity{}, false, nil
	}
	if err != nil {
		return domain.Entity{}, false, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read "+key.String())
	}
	r.metrics.ObserveLookup(key.Type.String(), "miss")

	if r.cache != nil {
		if cerr := r.cache.Put(ctx, entity); cerr != nil {
			r.logger.WarnContext(ctx, "reference cache write failed", "key", key.String(), "error", cerr)
		}
	}
	return entity, true, nil
}

// ResolveMany resolves refs concurrently. Missing targets are absent from
// the result; the first hard error cancels the rest.
func (r *Resolver) ResolveMany(ctx context.Context, refs []domain.Reference) (map[domain.Key]domain.Entity, error) {
	var (
		mu  sync.Mutex
		out = make(map[domain.Key]domain.Entity, len(refs))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, ref := range refs {
		g.Go(func() error {
			e, found, err := r.Resolve(gctx, ref)
			if err != nil || !found {
				return err
			}
			mu.Lock()
			out[e.Key()] = e
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate applies one notification to the cache.
func (r *Resolver) Invalidate(ctx context.Context, n invalidation.Notification) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, n.Key(), n.Version); err != nil {
		r.logger.ErrorContext(ctx, "cache invalidation failed",
			"key", n.Key().String(),
			"version", n.Version,
			"error", err,
		)
		return
	}
	r.metrics.IncrementInvalidations()
}

// Listen feeds notifications from sub into the cache until ctx is done.
func (r *Resolver) Listen(ctx context.Context, sub invalidation.Subscriber) error {
	return sub.Subscribe(ctx, r.Invalidate)
}
