// Package kafka carries cross-boundary commands over Kafka: one topic per
// target boundary, keyed by dedup token.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"erpsplit/internal/domain"
	"erpsplit/internal/enforcer"
	"erpsplit/internal/platform/kafka/consumer"
	dErrors "erpsplit/pkg/domain-errors"
)

const topicPrefix = "xb."

// Topic returns the command topic of a boundary.
func Topic(b domain.BoundaryName) string {
	return topicPrefix + b.String()
}

// Producer is what the transport needs from a Kafka producer.
type Producer interface {
	PublishWithHeaders(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Transport sends commands by producing them. A command counts as
// acknowledged once the broker has it; the receiving inbox deduplicates.
type Transport struct {
	producer Producer
}

func NewTransport(p Producer) *Transport {
	return &Transport{producer: p}
}

func (t *Transport) Send(ctx context.Context, cmd enforcer.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "command payload is not encodable")
	}
	headers := map[string]string{
		"command":      cmd.Name,
		"origin":       cmd.Origin.String(),
		"operation_id": cmd.OperationID,
	}
	if err := t.producer.PublishWithHeaders(ctx, Topic(cmd.Target), []byte(cmd.DedupToken), payload, headers); err != nil {
		return fmt.Errorf("send %s to %s: %w", cmd.Name, cmd.Target, err)
	}
	return nil
}

// Receiver adapts an inbox to the Kafka consumer.
type Receiver struct {
	inbox      *enforcer.Inbox
	rejections enforcer.CompensationLog
	logger     *slog.Logger
	now        func() time.Time
}

// NewReceiver wires inbox to the consumer. Commands the inbox refuses for
// good are written to rejections, keyed by dedup token, where the origin's
// Status picks them up.
func NewReceiver(inbox *enforcer.Inbox, rejections enforcer.CompensationLog, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{inbox: inbox, rejections: rejections, logger: logger, now: time.Now}
}

// Handle applies one record. A command that can never be applied is
// recorded as a compensation and acknowledged so it does not block the
// partition. Transient failures, and a failure to record the rejection,
// are returned for the consumer to retry.
func (r *Receiver) Handle(ctx context.Context, msg *consumer.Message) error {
	var cmd enforcer.Command
	if err := json.Unmarshal(msg.Value, &cmd); err != nil {
		r.logger.ErrorContext(ctx, "dropping undecodable command",
			"topic", msg.Topic,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	err := r.inbox.Handle(ctx, cmd)
	if err == nil {
		return nil
	}
	if !isRejection(err) {
		return err
	}
	r.logger.ErrorContext(ctx, "rejecting command",
		"command", cmd.Name,
		"dedup_token", cmd.DedupToken,
		"operation_id", cmd.OperationID,
		"error", err,
	)
	if r.rejections == nil {
		return nil
	}
	rejection := enforcer.Compensation{
		OperationID: cmd.OperationID,
		Command:     cmd,
		Reason:      dErrors.MessageOf(err),
		Attempts:    1,
		RecordedAt:  r.now(),
	}
	if err := r.rejections.Record(ctx, rejection); err != nil {
		return fmt.Errorf("record rejection of %s: %w", cmd.DedupToken, err)
	}
	return nil
}

func isRejection(err error) bool {
	return dErrors.HasCode(err, dErrors.CodeValidation) ||
		dErrors.HasCode(err, dErrors.CodeBoundaryViolation) ||
		dErrors.HasCode(err, dErrors.CodeUnknownEntityType)
}
