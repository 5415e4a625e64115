// Package postgres persists migration plans, step checkpoints and the
// review queue with database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"erpsplit/internal/domain"
	"erpsplit/internal/normalizer"
	"erpsplit/pkg/platform/sentinel"
	txcontext "erpsplit/pkg/platform/tx"
)

const uniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Plans have no delete path: they are the permanent record of a migration.
const schema = `
CREATE TABLE IF NOT EXISTS migration_plans (
	id             TEXT PRIMARY KEY,
	schema_version TEXT NOT NULL,
	steps          JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS migration_checkpoints (
	plan_id    TEXT NOT NULL,
	step_id    TEXT NOT NULL,
	cursor     TEXT NOT NULL,
	done       BOOLEAN NOT NULL,
	migrated   INT NOT NULL,
	skipped    INT NOT NULL,
	review     INT NOT NULL,
	errors     INT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (plan_id, step_id)
);
CREATE TABLE IF NOT EXISTS migration_review (
	step_id     TEXT NOT NULL,
	document_id TEXT NOT NULL,
	plan_id     TEXT NOT NULL,
	collection  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	fields      JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (step_id, document_id)
);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate normalizer tables: %w", err)
	}
	return nil
}

func (s *Store) SavePlan(ctx context.Context, plan normalizer.Plan) error {
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return fmt.Errorf("encode plan %s: %w", plan.ID, err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO migration_plans (id, schema_version, steps, created_at)
		VALUES ($1, $2, $3, $4)`,
		plan.ID, plan.SchemaVersion, steps, plan.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return sentinel.ErrAlreadyApplied
	}
	if err != nil {
		return fmt.Errorf("insert plan %s: %w", plan.ID, err)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (normalizer.Plan, error) {
	row := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, schema_version, steps, created_at FROM migration_plans WHERE id = $1`, id)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return normalizer.Plan{}, sentinel.ErrNotFound
	}
	if err != nil {
		return normalizer.Plan{}, fmt.Errorf("read plan %s: %w", id, err)
	}
	return plan, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]normalizer.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schema_version, steps, created_at FROM migration_plans ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []normalizer.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(row scanner) (normalizer.Plan, error) {
	var (
		plan  normalizer.Plan
		steps []byte
	)
	if err := row.Scan(&plan.ID, &plan.SchemaVersion, &steps, &plan.CreatedAt); err != nil {
		return normalizer.Plan{}, err
	}
	if err := json.Unmarshal(steps, &plan.Steps); err != nil {
		return normalizer.Plan{}, fmt.Errorf("decode plan %s: %w", plan.ID, err)
	}
	return plan, nil
}

func (s *Store) GetCheckpoint(ctx context.Context, planID, stepID string) (normalizer.Checkpoint, error) {
	cp := normalizer.Checkpoint{PlanID: planID, StepID: stepID}
	var cursor string
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `
		SELECT cursor, done, migrated, skipped, review, errors, updated_at
		FROM migration_checkpoints WHERE plan_id = $1 AND step_id = $2`, planID, stepID).
		Scan(&cursor, &cp.Done, &cp.Migrated, &cp.Skipped, &cp.Review, &cp.Errors, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return normalizer.Checkpoint{}, sentinel.ErrNotFound
	}
	if err != nil {
		return normalizer.Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", stepID, err)
	}
	cp.Cursor = domain.EntityID(cursor)
	return cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp normalizer.Checkpoint) error {
	_, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO migration_checkpoints (plan_id, step_id, cursor, done, migrated, skipped, review, errors, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (plan_id, step_id) DO UPDATE SET
			cursor = EXCLUDED.cursor,
			done = EXCLUDED.done,
			migrated = EXCLUDED.migrated,
			skipped = EXCLUDED.skipped,
			review = EXCLUDED.review,
			errors = EXCLUDED.errors,
			updated_at = EXCLUDED.updated_at`,
		cp.PlanID, cp.StepID, cp.Cursor.String(), cp.Done, cp.Migrated, cp.Skipped, cp.Review, cp.Errors, cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.StepID, err)
	}
	return nil
}

func (s *Store) Flag(ctx context.Context, item normalizer.ReviewItem) error {
	fields, err := json.Marshal(item.Fields)
	if err != nil {
		return fmt.Errorf("encode review fields: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO migration_review (step_id, document_id, plan_id, collection, reason, fields, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (step_id, document_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			fields = EXCLUDED.fields`,
		item.StepID, item.DocumentID.String(), item.PlanID, item.Collection, item.Reason, fields, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("flag %s for review: %w", item.DocumentID, err)
	}
	return nil
}

func (s *Store) ListReview(ctx context.Context, filter normalizer.ReviewFilter) ([]normalizer.ReviewItem, error) {
	query := `
		SELECT step_id, document_id, plan_id, collection, reason, fields, created_at
		FROM migration_review
		WHERE ($1 = '' OR plan_id = $1) AND ($2 = '' OR step_id = $2)
		ORDER BY step_id, document_id`
	args := []any{filter.PlanID, filter.StepID}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review queue: %w", err)
	}
	defer rows.Close()

	var out []normalizer.ReviewItem
	for rows.Next() {
		var (
			item   normalizer.ReviewItem
			docID  string
			fields []byte
		)
		if err := rows.Scan(&item.StepID, &docID, &item.PlanID, &item.Collection, &item.Reason, &fields, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review item: %w", err)
		}
		item.DocumentID = domain.EntityID(docID)
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &item.Fields); err != nil {
				return nil, fmt.Errorf("decode review fields: %w", err)
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
