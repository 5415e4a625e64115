// Package consumer reads Kafka records in a consumer group and commits an
// offset only after the handler has processed the record.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a transport-neutral view of a record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Handler processes one message. Returning an error retries the message;
// handlers drop poison messages by logging and returning nil.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

type Config struct {
	Brokers  []string
	GroupID  string
	Topics   []string
	ClientID string
}

type Consumer struct {
	client     *kgo.Client
	logger     *slog.Logger
	maxBackoff time.Duration
}

type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMaxBackoff caps the wait between handler retries.
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.maxBackoff = d
		}
	}
}

func New(cfg Config, opts ...Option) (*Consumer, error) {
	if cfg.GroupID == "" || len(cfg.Topics) == 0 {
		return nil, errors.New("kafka consumer needs a group id and at least one topic")
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	c := &Consumer{client: client, logger: slog.Default(), maxBackoff: 30 * time.Second}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run polls until ctx is done. Records of one partition are handled in
// order; a failing record is retried with backoff before the next one.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			c.logger.WarnContext(ctx, "kafka fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
		}

		var handled []*kgo.Record
		var stopErr error
		fetches.EachRecord(func(rec *kgo.Record) {
			if stopErr != nil {
				return
			}
			if err := c.handle(ctx, h, rec); err != nil {
				stopErr = err
				return
			}
			handled = append(handled, rec)
		})
		if len(handled) > 0 {
			if err := c.client.CommitRecords(context.WithoutCancel(ctx), handled...); err != nil {
				c.logger.ErrorContext(ctx, "kafka commit failed", "records", len(handled), "error", err)
			}
		}
		if stopErr != nil {
			return nil
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h Handler, rec *kgo.Record) error {
	msg := toMessage(rec)
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.maxBackoff
	policy.MaxElapsedTime = 0

	return backoff.RetryNotify(func() error {
		return h.Handle(ctx, msg)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		c.logger.WarnContext(ctx, "kafka handler failed, retrying",
			"topic", rec.Topic,
			"partition", rec.Partition,
			"offset", rec.Offset,
			"retry_in", wait,
			"error", err,
		)
	})
}

func toMessage(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Key:       rec.Key,
		Value:     rec.Value,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Timestamp: rec.Timestamp,
	}
	if len(rec.Headers) > 0 {
		msg.Headers = make(map[string]string, len(rec.Headers))
		for _, hdr := range rec.Headers {
			msg.Headers[hdr.Key] = string(hdr.Value)
		}
	}
	return msg
}

func (c *Consumer) Close() {
	c.client.Close()
}
