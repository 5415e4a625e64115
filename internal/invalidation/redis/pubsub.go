package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"erpsplit/internal/invalidation"
)

// DefaultChannel is the pub/sub channel notices are published on.
const DefaultChannel = "erpsplit:invalidation"

// PubSub carries invalidation notices over Redis pub/sub. Delivery is
// best-effort; cache entries also expire by TTL.
type PubSub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

type Option func(*PubSub)

func WithChannel(channel string) Option {
	return func(p *PubSub) {
		if channel != "" {
			p.channel = channel
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *PubSub) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func New(client *redis.Client, opts ...Option) *PubSub {
	p := &PubSub{client: client, channel: DefaultChannel, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PubSub) Publish(ctx context.Context, notes ...invalidation.Notification) error {
	if len(notes) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for _, n := range notes {
		payload, err := json.Marshal(n)
		if err != nil {
			return fmt.Errorf("encode invalidation: %w", err)
		}
		pipe.Publish(ctx, p.channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish invalidations: %w", err)
	}
	return nil
}

// Subscribe blocks, dispatching notices to h until ctx is done.
func (p *PubSub) Subscribe(ctx context.Context, h invalidation.Handler) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", p.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var n invalidation.Notification
			if err := json.Unmarshal([]byte(msg.Payload), &n); err != nil {
				p.logger.WarnContext(ctx, "dropping malformed invalidation", "channel", msg.Channel, "error", err)
				continue
			}
			h(ctx, n)
		}
	}
}
