package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"erpsplit/internal/domain"
	"erpsplit/internal/enforcer"
	kafkatransport "erpsplit/internal/enforcer/transport/kafka"
	"erpsplit/internal/invalidation"
	invredis "erpsplit/internal/invalidation/redis"
	jwttoken "erpsplit/internal/jwt_token"
	"erpsplit/internal/platform/httpserver"
	"erpsplit/internal/platform/kafka"
	"erpsplit/internal/platform/kafka/consumer"
	"erpsplit/internal/registry"
	"erpsplit/internal/resolver"
	"erpsplit/internal/resolver/cache"
	httptransport "erpsplit/internal/transport/http"
	"erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/audit/worker"
)

const (
	shutdownGrace = 10 * time.Second
	drainTimeout  = 30 * time.Second
)

// Serve runs the resolver, the enforcer with its inboxes, the audit relay
// and the admin API until ctx is done, then drains in-flight deliveries.
func (a *App) Serve(ctx context.Context) error {
	if a.cfg.Registry.Watch {
		registry.Watch(a.cfg.Registry.File, a.Router, a.logger, func(reg *registry.Registry) {
			a.auditRegistryReload(ctx, reg)
		})
	}

	notices, subscriber, refCache := a.invalidation()
	res := resolver.New(a.Router,
		resolver.WithCache(refCache),
		resolver.WithLogger(a.logger),
		resolver.WithMetrics(a.Metrics),
	)

	inboxes, err := a.inboxes(notices)
	if err != nil {
		return err
	}
	transport, consumers, err := a.transport(ctx, inboxes)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range consumers {
			c.consumer.Close()
		}
	}()

	dispatcher, err := enforcer.NewDispatcher(transport, a.operations, a.operations,
		enforcer.WithMaxAttempts(a.cfg.Dispatch.MaxAttempts),
		enforcer.WithRetryInterval(a.cfg.Dispatch.RetryInitial, a.cfg.Dispatch.RetryCeiling),
		enforcer.WithMaxInFlight(int(a.cfg.Dispatch.MaxInFlight)),
		enforcer.WithBreaker(a.cfg.Dispatch.BreakerTrips, a.cfg.Dispatch.BreakerCooloff),
		enforcer.WithLease(a.cfg.Dispatch.Lease),
		enforcer.WithDispatchLogger(a.logger),
		enforcer.WithDispatchMetrics(a.Metrics),
		enforcer.WithDispatchAuditor(a.auditAsync),
	)
	if err != nil {
		return err
	}
	enf, err := enforcer.New(a.Router, a.operations, a.operations, dispatcher,
		enforcer.WithInvalidation(notices),
		enforcer.WithAuditor(a.auditAsync),
		enforcer.WithLogger(a.logger),
		enforcer.WithMetrics(a.Metrics),
	)
	if err != nil {
		return err
	}

	routerCfg := httptransport.RouterConfig{
		Operations: httptransport.NewOperationsHandler(enf, a.logger),
		References: httptransport.NewReferencesHandler(res, a.logger),
		Validator: jwttoken.NewJWTService(
			a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer, a.cfg.Server.JWTAudience),
		Gatherer: a.Prometheus,
		Health:   a.healthChecks(),
		Logger:   a.logger,
	}
	if a.Normalizer != nil {
		routerCfg.Migrations = httptransport.NewMigrationsHandler(a.Normalizer, a.logger)
	}
	srv := httpserver.New(a.cfg.Server.Addr, httptransport.NewRouter(routerCfg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return res.Listen(gctx, subscriber) })
	for _, c := range consumers {
		g.Go(func() error { return c.consumer.Run(gctx, kafkatransport.NewReceiver(c.inbox, a.operations, a.logger)) })
	}
	if a.auditOutbox != nil && a.producer != nil {
		relay := worker.NewWorker(a.auditOutbox, a.producer,
			worker.WithTopic(auditTopic),
			worker.WithInterval(a.cfg.Audit.RelayInterval),
			worker.WithLogger(a.logger),
		)
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error { return enf.RunRecovery(gctx, a.cfg.Dispatch.RecoveryInterval) })
	g.Go(func() error {
		a.logger.Info("admin API listening", "addr", a.cfg.Server.Addr)
		return httpserver.Run(gctx, srv, shutdownGrace)
	})
	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := dispatcher.Close(drainCtx); err != nil {
		a.logger.Warn("dispatcher did not drain", "error", err)
	}
	return runErr
}

// invalidation picks the notice channel and the reference cache: Redis
// when configured, otherwise an in-process bus and an in-memory cache.
func (a *App) invalidation() (invalidation.Publisher, invalidation.Subscriber, cache.Cache) {
	if a.redis != nil {
		ps := invredis.New(a.redis.Client,
			invredis.WithChannel(a.redis.Channel()),
			invredis.WithLogger(a.logger),
		)
		return ps, ps, cache.NewRedis(a.redis.Client,
			cache.WithPrefix(a.cfg.Redis.CachePrefix),
			cache.WithRedisTTL(a.cfg.Redis.CacheTTL),
		)
	}
	bus := invalidation.NewBus()
	return bus, bus, cache.NewMemory()
}

// hostedBoundaries lists the boundaries this process receives commands
// for; all registered boundaries when none are configured.
func (a *App) hostedBoundaries() []domain.BoundaryName {
	if len(a.cfg.Server.Boundaries) > 0 {
		out := make([]domain.BoundaryName, 0, len(a.cfg.Server.Boundaries))
		for _, b := range a.cfg.Server.Boundaries {
			out = append(out, domain.BoundaryName(b))
		}
		return out
	}
	var out []domain.BoundaryName
	for _, b := range a.Router.Registry().Boundaries() {
		out = append(out, b.Name)
	}
	return out
}

func (a *App) inboxes(notices invalidation.Publisher) ([]*enforcer.Inbox, error) {
	var out []*enforcer.Inbox
	for _, b := range a.hostedBoundaries() {
		in, err := enforcer.NewInbox(b, a.Router,
			enforcer.WithInboxInvalidation(notices),
			enforcer.WithInboxLogger(a.logger.With("boundary", string(b))),
		)
		if err != nil {
			return nil, fmt.Errorf("inbox for %s: %w", b, err)
		}
		in.Register(enforcer.ApplyMutationsCommand, enforcer.ApplyMutations)
		out = append(out, in)
	}
	return out, nil
}

type boundConsumer struct {
	inbox    *enforcer.Inbox
	consumer *consumer.Consumer
}

// transport returns the Kafka transport and one consumer per hosted inbox
// when brokers are configured, otherwise in-process delivery.
func (a *App) transport(ctx context.Context, inboxes []*enforcer.Inbox) (enforcer.Transport, []boundConsumer, error) {
	if a.producer == nil {
		return enforcer.NewLocalTransport(inboxes...), nil, nil
	}

	topics := []string{auditTopic}
	for _, b := range a.Router.Registry().Boundaries() {
		topics = append(topics, kafkatransport.Topic(b.Name))
	}
	if err := kafka.EnsureTopics(ctx, a.cfg.Kafka.Brokers, a.cfg.Kafka.Partitions, a.cfg.Kafka.Replication, topics...); err != nil {
		return nil, nil, err
	}

	consumers := make([]boundConsumer, 0, len(inboxes))
	for _, in := range inboxes {
		c, err := consumer.New(consumer.Config{
			Brokers:  a.cfg.Kafka.Brokers,
			GroupID:  a.cfg.Kafka.GroupID + "." + string(in.Boundary()),
			Topics:   []string{kafkatransport.Topic(in.Boundary())},
			ClientID: a.cfg.Kafka.ClientID,
		}, consumer.WithLogger(a.logger))
		if err != nil {
			for _, done := range consumers {
				done.consumer.Close()
			}
			return nil, nil, err
		}
		consumers = append(consumers, boundConsumer{inbox: in, consumer: c})
	}
	return kafkatransport.NewTransport(a.producer), consumers, nil
}

func (a *App) healthChecks() map[string]httptransport.HealthCheck {
	checks := make(map[string]httptransport.HealthCheck)
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	if a.producer != nil {
		checks["kafka"] = a.producer.Ping
	}
	return checks
}

func (a *App) auditRegistryReload(ctx context.Context, reg *registry.Registry) {
	names := make([]string, 0, len(reg.Boundaries()))
	for _, b := range reg.Boundaries() {
		names = append(names, b.Name.String())
	}
	err := a.auditAsync.Emit(ctx, audit.Event{
		Action:  string(audit.EventRegistryReloaded),
		Subject: a.cfg.Registry.File,
		Outcome: "applied",
		Detail:  map[string]any{"boundaries": names},
	})
	if err != nil {
		a.logger.WarnContext(ctx, "failed to audit registry reload", "error", err)
	}
}
