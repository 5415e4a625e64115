// Package postgres persists operation records and the compensation log
// with database/sql and lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"erpsplit/internal/enforcer"
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

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	boundary   TEXT NOT NULL,
	status     TEXT NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS operations_status_idx ON operations (status, created_at);
CREATE TABLE IF NOT EXISTS compensations (
	dedup_token  TEXT PRIMARY KEY,
	operation_id TEXT NOT NULL,
	target       TEXT NOT NULL,
	command      JSONB NOT NULL,
	reason       TEXT NOT NULL,
	attempts     INT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS compensations_operation_idx ON compensations (operation_id);
`

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate operation tables: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, rec enforcer.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", rec.ID, err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO operations (id, name, boundary, status, record, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.Name, rec.Boundary.String(), string(rec.Status), raw, rec.CreatedAt, rec.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return sentinel.ErrAlreadyApplied
	}
	if err != nil {
		return fmt.Errorf("insert operation %s: %w", rec.ID, err)
	}
	return nil
}

// Save writes rec only while the stored row is still in status from and
// held by rec.Claim.
func (s *Store) Save(ctx context.Context, rec enforcer.Record, from enforcer.Status) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", rec.ID, err)
	}
	res, err := txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		UPDATE operations SET status = $2, record = $3, updated_at = $4
		WHERE id = $1 AND status = $5 AND COALESCE(record->>'claim', '') = $6`,
		rec.ID, string(rec.Status), raw, rec.UpdatedAt, string(from), rec.Claim)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.Get(ctx, rec.ID); err != nil {
		return err
	}
	return sentinel.ErrVersionConflict
}

// Claim locks the row, checks the current holder and lease, and writes the
// new claim in the same transaction.
func (s *Store) Claim(ctx context.Context, id, claim string, until, now time.Time) (enforcer.Record, error) {
	var rec enforcer.Record
	err := txcontext.RunInTx(ctx, s.db, func(ctx context.Context) error {
		var raw []byte
		err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx,
			`SELECT record FROM operations WHERE id = $1 FOR UPDATE`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock operation %s: %w", id, err)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode operation %s: %w", id, err)
		}
		if rec.Status.IsTerminal() || (rec.Claim != claim && rec.ClaimUntil.After(now)) {
			return sentinel.ErrVersionConflict
		}
		rec.Claim = claim
		rec.ClaimUntil = until
		if raw, err = json.Marshal(rec); err != nil {
			return fmt.Errorf("encode operation %s: %w", id, err)
		}
		if _, err := txcontext.Exec(ctx, s.db).ExecContext(ctx,
			`UPDATE operations SET record = $2 WHERE id = $1`, id, raw); err != nil {
			return fmt.Errorf("claim operation %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return enforcer.Record{}, err
	}
	return rec, nil
}

func (s *Store) Get(ctx context.Context, id string) (enforcer.Record, error) {
	var raw []byte
	err := txcontext.Exec(ctx, s.db).QueryRowContext(ctx, `SELECT record FROM operations WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return enforcer.Record{}, sentinel.ErrNotFound
	}
	if err != nil {
		return enforcer.Record{}, fmt.Errorf("read operation %s: %w", id, err)
	}
	var rec enforcer.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return enforcer.Record{}, fmt.Errorf("decode operation %s: %w", id, err)
	}
	return rec, nil
}

func (s *Store) ListByStatus(ctx context.Context, status enforcer.Status) ([]enforcer.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record FROM operations WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var out []enforcer.Record
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		var rec enforcer.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decode operation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return out, nil
}

// Record appends a compensation. Recording the same command twice keeps
// the first entry.
func (s *Store) Record(ctx context.Context, c enforcer.Compensation) error {
	raw, err := json.Marshal(c.Command)
	if err != nil {
		return fmt.Errorf("encode compensation command: %w", err)
	}
	_, err = txcontext.Exec(ctx, s.db).ExecContext(ctx, `
		INSERT INTO compensations (dedup_token, operation_id, target, command, reason, attempts, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedup_token) DO NOTHING`,
		c.Command.DedupToken, c.OperationID, c.Command.Target.String(), raw, c.Reason, c.Attempts, c.RecordedAt)
	if err != nil {
		return fmt.Errorf("insert compensation: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, operationID string) ([]enforcer.Compensation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, command, reason, attempts, recorded_at
		FROM compensations
		WHERE ($1 = '' OR operation_id = $1)
		ORDER BY recorded_at`, operationID)
	if err != nil {
		return nil, fmt.Errorf("list compensations: %w", err)
	}
	defer rows.Close()

	var out []enforcer.Compensation
	for rows.Next() {
		var (
			c   enforcer.Compensation
			raw []byte
		)
		if err := rows.Scan(&c.OperationID, &raw, &c.Reason, &c.Attempts, &c.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan compensation: %w", err)
		}
		if err := json.Unmarshal(raw, &c.Command); err != nil {
			return nil, fmt.Errorf("decode compensation command: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compensations: %w", err)
	}
	return out, nil
}
