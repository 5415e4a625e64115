// Package redis opens the client shared by the resolver cache and the
// invalidation channel.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"erpsplit/internal/platform/config"
)

const connectAttempts = 5

type Client struct {
	*redis.Client
	channel string
}

// New connects to cfg.URL, retrying the first ping while the server comes
// up. It returns nil, nil when no URL is configured; callers then use the
// in-process cache and bus.
func New(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	err = backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, backoff.WithContext(backoff.WithMaxRetries(policy, connectAttempts-1), ctx))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis at %s unreachable after %d attempts: %w", opts.Addr, connectAttempts, err)
	}
	return &Client{Client: client, channel: cfg.Channel}, nil
}

// Channel is the pub/sub channel carrying invalidation notices.
func (c *Client) Channel() string { return c.channel }

func (c *Client) Health(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}
