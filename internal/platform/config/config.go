package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	pstrings "erpsplit/pkg/platform/strings"
)

// Config is the runtime configuration of the server and migration CLI.
type Config struct {
	Server    Server
	Registry  Registry
	Stores    map[string]string
	Postgres  Postgres
	Redis     RedisConfig
	Kafka     Kafka
	Dispatch  Dispatch
	Migration Migration
	Audit     Audit
	LogLevel  string
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr          string
	JWTSigningKey string
	JWTIssuer     string
	JWTAudience   string
	// Boundaries this process hosts. Empty means every registered boundary.
	Boundaries []string
}

type Registry struct {
	File  string
	Watch bool
}

// Postgres holds the database for plans, operations and the audit trail.
type Postgres struct {
	DSN string
}

type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Channel      string
	CachePrefix  string
	CacheTTL     time.Duration
}

type Kafka struct {
	Brokers     []string
	ClientID    string
	GroupID     string
	Partitions  int32
	Replication int16
}

type Dispatch struct {
	MaxAttempts    int
	MaxInFlight    int64
	RetryInitial   time.Duration
	RetryCeiling   time.Duration
	BreakerTrips   int
	BreakerCooloff time.Duration

	// Lease is how long an operation stays claimed without a heartbeat.
	Lease time.Duration
	// RecoveryInterval is how often unsettled operations are swept.
	RecoveryInterval time.Duration
}

type Migration struct {
	LegacyStore  string
	BatchSize    int
	BatchRetries uint64
}

type Audit struct {
	Buffer        int
	RelayInterval time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
// Stores are listed as ERPSPLIT_STORES="order-service=postgres://...,user-service=memory://".
func FromEnv() (Config, error) {
	stores, err := parseStores(env("ERPSPLIT_STORES", ""))
	if err != nil {
		return Config{}, err
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Config{
		Server: Server{
			Addr:          env("ERPSPLIT_ADDR", ":8080"),
			JWTSigningKey: jwtSigningKey,
			JWTIssuer:     env("JWT_ISSUER", "erpsplit"),
			JWTAudience:   env("JWT_AUDIENCE", "erpsplit-admin"),
			Boundaries:    list(os.Getenv("ERPSPLIT_BOUNDARIES")),
		},
		Registry: Registry{
			File:  env("ERPSPLIT_REGISTRY_FILE", "config/boundaries.yaml"),
			Watch: envBool("ERPSPLIT_REGISTRY_WATCH", true),
		},
		Stores:   stores,
		Postgres: Postgres{DSN: os.Getenv("DATABASE_URL")},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			Channel:      env("REDIS_INVALIDATION_CHANNEL", "erpsplit.invalidation"),
			CachePrefix:  env("REDIS_CACHE_PREFIX", "erpsplit:ref"),
			CacheTTL:     envDuration("REDIS_CACHE_TTL", 5*time.Minute),
		},
		Kafka: Kafka{
			Brokers:     list(os.Getenv("KAFKA_BROKERS")),
			ClientID:    env("KAFKA_CLIENT_ID", "erpsplit"),
			GroupID:     env("KAFKA_GROUP_ID", "erpsplit-inbox"),
			Partitions:  int32(envInt("KAFKA_TOPIC_PARTITIONS", 6)),
			Replication: int16(envInt("KAFKA_TOPIC_REPLICATION", 1)),
		},
		Dispatch: Dispatch{
			MaxAttempts:    envInt("DISPATCH_MAX_ATTEMPTS", 3),
			MaxInFlight:    int64(envInt("DISPATCH_MAX_IN_FLIGHT", 16)),
			RetryInitial:   envDuration("DISPATCH_RETRY_INITIAL", 200*time.Millisecond),
			RetryCeiling:   envDuration("DISPATCH_RETRY_CEILING", 5*time.Second),
			BreakerTrips:   envInt("DISPATCH_BREAKER_FAILURES", 5),
			BreakerCooloff: envDuration("DISPATCH_BREAKER_COOLDOWN", 30*time.Second),

			Lease:            envDuration("DISPATCH_LEASE", 30*time.Second),
			RecoveryInterval: envDuration("DISPATCH_RECOVERY_INTERVAL", time.Minute),
		},
		Migration: Migration{
			LegacyStore:  env("MIGRATION_LEGACY_STORE", "legacy"),
			BatchSize:    envInt("MIGRATION_BATCH_SIZE", 100),
			BatchRetries: uint64(envInt("MIGRATION_BATCH_RETRIES", 5)),
		},
		Audit: Audit{
			Buffer:        envInt("AUDIT_BUFFER", 0),
			RelayInterval: envDuration("AUDIT_RELAY_INTERVAL", 2*time.Second),
		},
		LogLevel: env("LOG_LEVEL", "info"),
	}, nil
}

func parseStores(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, entry := range list(raw) {
		name, url, ok := strings.Cut(entry, "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid store entry %q: want name=url", entry)
		}
		out[name] = url
	}
	return out, nil
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

// list splits a comma-separated value; repeated entries are kept once.
func list(raw string) []string {
	return pstrings.DedupeAndTrim(strings.Split(raw, ","))
}
