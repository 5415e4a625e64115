// Package worker relays audit outbox rows to the message bus.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"erpsplit/pkg/platform/audit/store/postgres"
)

// Outbox is the slice of the audit store the relay needs.
type Outbox interface {
	PendingOutbox(ctx context.Context, limit int) ([]postgres.OutboxEntry, error)
	MarkPublished(ctx context.Context, ids []uuid.UUID) error
}

// Sink publishes one record. Key is the aggregate id so a plan's or
// operation's events stay ordered within a partition.
type Sink interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

const (
	defaultTopic     = "erpsplit.audit"
	defaultBatchSize = 100
	defaultInterval  = time.Second
)

// Worker polls the outbox and publishes entries in creation order. An entry
// is marked published only after the sink acknowledged it, so delivery is
// at-least-once.
type Worker struct {
	outbox    Outbox
	sink      Sink
	topic     string
	batchSize int
	interval  time.Duration
	logger    *slog.Logger
}

type Option func(*Worker)

func WithTopic(topic string) Option {
	return func(w *Worker) {
		if topic != "" {
			w.topic = topic
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func NewWorker(outbox Outbox, sink Sink, opts ...Option) *Worker {
	w := &Worker{
		outbox:    outbox,
		sink:      sink,
		topic:     defaultTopic,
		batchSize: defaultBatchSize,
		interval:  defaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run relays until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if _, err := w.RelayOnce(ctx); err != nil {
			w.logger.WarnContext(ctx, "audit outbox relay failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RelayOnce publishes one batch and returns how many entries were marked.
func (w *Worker) RelayOnce(ctx context.Context) (int, error) {
	entries, err := w.outbox.PendingOutbox(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	published := make([]uuid.UUID, 0, len(entries))
	var pubErr error
	for _, e := range entries {
		if err := w.sink.Publish(ctx, w.topic, []byte(e.AggregateID), e.Payload); err != nil {
			pubErr = fmt.Errorf("publish outbox entry %s: %w", e.ID, err)
			break
		}
		published = append(published, e.ID)
	}
	if err := w.outbox.MarkPublished(ctx, published); err != nil {
		return 0, err
	}
	return len(published), pubErr
}
