// Package app wires the runtime shared by the server and the migration
// CLI: the registry and its stores, the audit trail, the durable stores of
// the enforcer and normalizer, and the optional Postgres, Redis and Kafka
// clients.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"erpsplit/internal/enforcer"
	opsmemory "erpsplit/internal/enforcer/store/memory"
	opspostgres "erpsplit/internal/enforcer/store/postgres"
	"erpsplit/internal/normalizer"
	migmemory "erpsplit/internal/normalizer/store/memory"
	migpostgres "erpsplit/internal/normalizer/store/postgres"
	"erpsplit/internal/platform/config"
	"erpsplit/internal/platform/kafka/producer"
	"erpsplit/internal/platform/metrics"
	"erpsplit/internal/platform/postgres"
	redisclient "erpsplit/internal/platform/redis"
	"erpsplit/internal/registry"
	"erpsplit/internal/store/backends"
	audit "erpsplit/pkg/platform/audit"
	"erpsplit/pkg/platform/audit/publisher"
	auditmemory "erpsplit/pkg/platform/audit/store/memory"
	auditpostgres "erpsplit/pkg/platform/audit/store/postgres"
)

const auditTopic = "erpsplit.audit"

// operationStore is what the enforcer persists through.
type operationStore interface {
	enforcer.OperationStore
	enforcer.CompensationLog
}

// migrationStore is what the normalizer persists through.
type migrationStore interface {
	normalizer.PlanStore
	normalizer.CheckpointStore
	normalizer.ReviewQueue
}

type App struct {
	cfg    config.Config
	logger *slog.Logger

	Router     *registry.Router
	Stores     registry.Stores
	Prometheus *prometheus.Registry
	Metrics    *metrics.Metrics

	// Normalizer and Runner are nil when no legacy store is configured.
	Normalizer *normalizer.Normalizer
	Runner     *normalizer.Runner

	db          *sql.DB
	redis       *redisclient.Client
	producer    *producer.Producer
	auditStore  audit.Store
	auditOutbox *auditpostgres.Store
	// auditAsync serves the enforcer; auditSync serves the normalizer,
	// whose rewrites must not proceed unless the record is stored.
	auditAsync *publisher.Publisher
	auditSync  *publisher.Publisher
	operations operationStore
	migrations migrationStore
}

// New connects every configured dependency. Absent Postgres, Redis or
// Kafka settings fall back to in-process implementations.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *App, err error) {
	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	reg, err := registry.LoadFile(cfg.Registry.File)
	if err != nil {
		return a, err
	}
	if a.Stores, err = backends.OpenAll(ctx, cfg.Stores); err != nil {
		return a, err
	}
	if a.Router, err = registry.NewRouter(reg, a.Stores); err != nil {
		return a, err
	}

	a.Prometheus = prometheus.NewRegistry()
	a.Prometheus.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Prometheus)

	if err := a.openClients(ctx); err != nil {
		return a, err
	}
	if err := a.openDurableStores(ctx); err != nil {
		return a, err
	}
	if err := a.buildNormalizer(); err != nil {
		return a, err
	}
	logger.Info("runtime wired",
		"boundaries", len(reg.Boundaries()),
		"stores", len(a.Stores),
		"postgres", a.db != nil,
		"redis", a.redis != nil,
		"kafka", a.producer != nil,
	)
	return a, nil
}

func (a *App) openClients(ctx context.Context) error {
	var err error
	if a.cfg.Postgres.DSN != "" {
		if a.db, err = postgres.OpenSQL(ctx, a.cfg.Postgres.DSN); err != nil {
			return err
		}
	}
	if a.redis, err = redisclient.New(ctx, a.cfg.Redis); err != nil {
		return err
	}
	if len(a.cfg.Kafka.Brokers) > 0 {
		a.producer, err = producer.New(producer.Config{
			Brokers:  a.cfg.Kafka.Brokers,
			ClientID: a.cfg.Kafka.ClientID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (a *App) openDurableStores(ctx context.Context) error {
	if a.db == nil {
		a.auditStore = auditmemory.NewInMemoryStore()
		a.operations = opsmemory.New()
		a.migrations = migmemory.New()
	} else {
		auditStore := auditpostgres.New(a.db)
		ops := opspostgres.New(a.db)
		migs := migpostgres.New(a.db)
		for name, m := range map[string]interface{ Migrate(context.Context) error }{
			"audit":      auditStore,
			"operations": ops,
			"migrations": migs,
		} {
			if err := m.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate %s tables: %w", name, err)
			}
		}
		a.auditStore, a.auditOutbox = auditStore, auditStore
		a.operations, a.migrations = ops, migs
	}
	a.auditSync = publisher.NewPublisher(a.auditStore, publisher.WithLogger(a.logger))
	a.auditAsync = publisher.NewPublisher(a.auditStore,
		publisher.WithAsyncBuffer(a.cfg.Audit.Buffer),
		publisher.WithLogger(a.logger),
	)
	return nil
}

func (a *App) buildNormalizer() error {
	legacy, ok := a.Stores[a.cfg.Migration.LegacyStore]
	if !ok {
		a.logger.Info("no legacy store configured; migrations disabled", "store", a.cfg.Migration.LegacyStore)
		return nil
	}
	n, err := normalizer.New(a.Router, legacy, a.migrations, a.migrations, a.auditSync,
		normalizer.WithLogger(a.logger),
		normalizer.WithMetrics(a.Metrics),
		normalizer.WithBatchSize(a.cfg.Migration.BatchSize),
	)
	if err != nil {
		return err
	}
	runner, err := normalizer.NewRunner(n, a.migrations,
		normalizer.WithRunnerLogger(a.logger),
		normalizer.WithBatchRetries(a.cfg.Migration.BatchRetries),
	)
	if err != nil {
		return err
	}
	a.Normalizer, a.Runner = n, runner
	return nil
}

// Close releases every client. It is safe on a partially built App.
func (a *App) Close() {
	if a.auditAsync != nil {
		a.auditAsync.Close()
	}
	if a.auditSync != nil {
		a.auditSync.Close()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	backends.CloseAll(a.Stores)
}
