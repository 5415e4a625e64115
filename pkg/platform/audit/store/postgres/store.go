package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	audit "erpsplit/pkg/platform/audit"
	txcontext "erpsplit/pkg/platform/tx"
)

// Store implements audit.Store with the transactional outbox pattern: each
// event is written to audit_events and to outbox in one transaction. The
// outbox relay publishes rows and marks them published. audit_events is
// never updated or deleted.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id         UUID PRIMARY KEY,
	category   TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	action     TEXT NOT NULL,
	plan_id    TEXT NOT NULL DEFAULT '',
	step_id    TEXT NOT NULL DEFAULT '',
	subject    TEXT NOT NULL DEFAULT '',
	target     TEXT NOT NULL DEFAULT '',
	outcome    TEXT NOT NULL DEFAULT '',
	detail     JSONB
);
CREATE INDEX IF NOT EXISTS audit_events_plan_idx ON audit_events (plan_id, step_id);
CREATE TABLE IF NOT EXISTS outbox (
	id             UUID PRIMARY KEY,
	aggregate_type TEXT NOT NULL,
	aggregate_id   TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	payload        JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS outbox_unpublished_idx ON outbox (created_at) WHERE published_at IS NULL;
`

// Migrate creates the audit and outbox tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate audit tables: %w", err)
	}
	return nil
}

// outboxPayload is the JSON published by the relay.
type outboxPayload struct {
	ID        string         `json:"id"`
	Category  string         `json:"category"`
	Timestamp string         `json:"timestamp"`
	Action    string         `json:"action"`
	PlanID    string         `json:"planId,omitempty"`
	StepID    string         `json:"stepId,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Target    string         `json:"target,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var detail []byte
	if len(event.Detail) > 0 {
		if detail, err = json.Marshal(event.Detail); err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
	}
	payload, err := json.Marshal(outboxPayload{
		ID:        eventID.String(),
		Category:  string(event.Category),
		Timestamp: event.Timestamp.Format(time.RFC3339Nano),
		Action:    event.Action,
		PlanID:    event.PlanID,
		StepID:    event.StepID,
		Subject:   event.Subject,
		Target:    event.Target,
		Outcome:   event.Outcome,
		Detail:    event.Detail,
	})
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}

	aggregateType, aggregateID := "operation", event.Subject
	if event.PlanID != "" {
		aggregateType, aggregateID = "plan", event.PlanID
	}

	return txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		exec := txcontext.Exec(ctx, s.db)
		_, err := exec.ExecContext(ctx, `
			INSERT INTO audit_events (id, category, timestamp, action, plan_id, step_id, subject, target, outcome, detail)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO NOTHING`,
			eventID, string(event.Category), event.Timestamp, event.Action,
			event.PlanID, event.StepID, event.Subject, event.Target, event.Outcome, nullJSON(detail),
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.New(), aggregateType, aggregateID, event.Action, payload, time.Now(),
		)
		if err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
}

func (s *Store) List(ctx context.Context, filter audit.Filter) ([]audit.Event, error) {
	query := `
		SELECT id, category, timestamp, action, plan_id, step_id, subject, target, outcome, detail
		FROM audit_events
		WHERE ($1 = '' OR plan_id = $1)
		  AND ($2 = '' OR step_id = $2)
		  AND ($3 = '' OR subject = $3)
		  AND ($4 = '' OR action = $4)
		ORDER BY timestamp ASC, id ASC`
	args := []any{filter.PlanID, filter.StepID, filter.Subject, filter.Action}
	if filter.Limit > 0 {
		query += ` LIMIT $5`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e        audit.Event
			category string
			detail   []byte
		)
		if err := rows.Scan(&e.ID, &category, &e.Timestamp, &e.Action, &e.PlanID, &e.StepID,
			&e.Subject, &e.Target, &e.Outcome, &detail); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.Category = audit.EventCategory(category)
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}

// OutboxEntry is an unpublished outbox row.
type OutboxEntry struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
}

// PendingOutbox returns up to limit unpublished entries, oldest first.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at
		FROM outbox
		WHERE published_at IS NULL
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox: %w", err)
	}
	return out, nil
}

// MarkPublished stamps entries as published.
func (s *Store) MarkPublished(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox SET published_at = now() WHERE id = ANY($1::uuid[])`, pq.Array(strs))
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
