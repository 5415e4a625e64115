package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
	"erpsplit/pkg/platform/sentinel"
)

const schema = `
CREATE TABLE IF NOT EXISTS entities (
	entity_type TEXT NOT NULL,
	entity_id   TEXT NOT NULL,
	version     BIGINT NOT NULL,
	owner       TEXT NOT NULL,
	attributes  JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (entity_type, entity_id)
);
CREATE TABLE IF NOT EXISTS applied_batches (
	dedup_token TEXT PRIMARY KEY,
	commit_id   TEXT NOT NULL,
	applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	doc_id     TEXT NOT NULL,
	version    BIGINT NOT NULL,
	fields     JSONB NOT NULL,
	PRIMARY KEY (collection, doc_id)
);
`

// Store persists entities and raw documents as JSONB rows. Batches run in
// a single pgx transaction; version checks are part of each statement's
// WHERE clause so a stale write affects zero rows and aborts the batch.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// New wraps a pgx pool. The pool's lifetime belongs to the caller.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Migrate creates the tables this store needs.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate entity store: %w", err)
	}
	return nil
}

func (s *Store) Find(ctx context.Context, entityType domain.EntityType, id domain.EntityID) (domain.Entity, error) {
	var (
		version int64
		owner   string
		attrs   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT version, owner, attributes FROM entities WHERE entity_type = $1 AND entity_id = $2`,
		string(entityType), string(id),
	).Scan(&version, &owner, &attrs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, sentinel.ErrNotFound
		}
		return domain.Entity{}, fmt.Errorf("find entity: %w", err)
	}
	e := domain.Entity{ID: id, Type: entityType, Version: version, Owner: domain.ServiceID(owner)}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return domain.Entity{}, fmt.Errorf("decode entity attributes: %w", err)
	}
	return e, nil
}

func (s *Store) Commit(ctx context.Context, batch store.Batch) (store.CommitResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return store.CommitResult{}, err
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return store.CommitResult{}, fmt.Errorf("begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	result := store.CommitResult{CommitID: store.NewCommitID()}
	if batch.DedupToken != "" {
		tag, err := tx.Exec(ctx,
			`INSERT INTO applied_batches (dedup_token, commit_id, applied_at) VALUES ($1, $2, $3)
			 ON CONFLICT (dedup_token) DO NOTHING`,
			batch.DedupToken, result.CommitID, s.now())
		if err != nil {
			return store.CommitResult{}, fmt.Errorf("record dedup token: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return store.CommitResult{}, sentinel.ErrAlreadyApplied
		}
	}

	for _, m := range batch.Mutations {
		change, applied, err := s.apply(ctx, tx, m)
		if err != nil {
			return store.CommitResult{}, err
		}
		if applied {
			result.Changes = append(result.Changes, change)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return store.CommitResult{}, fmt.Errorf("commit batch: %w", err)
	}
	return result, nil
}

func (s *Store) apply(ctx context.Context, tx pgx.Tx, m store.Mutation) (store.Change, bool, error) {
	e := m.Entity
	key := e.Key()
	next := e.Version + 1
	attrs, err := json.Marshal(nonNil(e.Attributes))
	if err != nil {
		return store.Change{}, false, fmt.Errorf("encode %s attributes: %w", key, err)
	}

	var query string
	var args []any
	switch m.Op {
	case store.OpCreate, store.OpEnsure:
		query = `INSERT INTO entities (entity_type, entity_id, version, owner, attributes, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (entity_type, entity_id) DO NOTHING`
		args = []any{string(e.Type), string(e.ID), next, string(e.Owner), attrs, s.now()}
	case store.OpUpdate:
		query = `UPDATE entities SET version = $3, owner = $4, attributes = $5, updated_at = $6
			WHERE entity_type = $1 AND entity_id = $2 AND version = $7`
		args = []any{string(e.Type), string(e.ID), next, string(e.Owner), attrs, s.now(), e.Version}
	case store.OpDelete:
		query = `DELETE FROM entities WHERE entity_type = $1 AND entity_id = $2 AND version = $3`
		args = []any{string(e.Type), string(e.ID), e.Version}
	}

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return store.Change{}, false, fmt.Errorf("%s %s: %w", m.Op, key, err)
	}
	if tag.RowsAffected() == 0 {
		if m.Op == store.OpEnsure {
			return store.Change{}, false, nil
		}
		return store.Change{}, false, fmt.Errorf("%s %s at version %d: %w", m.Op, key, e.Version, sentinel.ErrVersionConflict)
	}
	return store.Change{Key: key, Version: next, Deleted: m.Op == store.OpDelete}, true, nil
}

func (s *Store) Scan(ctx context.Context, collection string, after domain.EntityID, limit int) ([]domain.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT doc_id, version, fields FROM documents
		 WHERE collection = $1 AND doc_id > $2 ORDER BY doc_id LIMIT $3`,
		collection, string(after), limit)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []domain.Document
	for rows.Next() {
		doc := domain.Document{Collection: collection}
		var id string
		var raw []byte
		if err := rows.Scan(&id, &doc.Version, &raw); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", collection, err)
		}
		doc.ID = domain.EntityID(id)
		if err := json.Unmarshal(raw, &doc.Fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", collection, id, err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Insert(ctx context.Context, doc domain.Document) error {
	raw, err := json.Marshal(nonNil(doc.Fields))
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	version := doc.Version
	if version == 0 {
		version = 1
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO documents (collection, doc_id, version, fields) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (collection, doc_id) DO NOTHING`,
		doc.Collection, string(doc.ID), version, raw)
	if err != nil {
		return fmt.Errorf("insert %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s exists: %w", doc.Collection, doc.ID, sentinel.ErrVersionConflict)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, doc domain.Document) (domain.Document, error) {
	raw, err := json.Marshal(nonNil(doc.Fields))
	if err != nil {
		return domain.Document{}, fmt.Errorf("encode %s/%s: %w", doc.Collection, doc.ID, err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET fields = $3, version = version + 1
		 WHERE collection = $1 AND doc_id = $2 AND version = $4`,
		doc.Collection, string(doc.ID), raw, doc.Version)
	if err != nil {
		return domain.Document{}, fmt.Errorf("replace %s/%s: %w", doc.Collection, doc.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Document{}, s.replaceMiss(ctx, doc)
	}
	next := doc.Clone()
	next.Version = doc.Version + 1
	return next, nil
}

// replaceMiss tells a missing document apart from a stale version.
func (s *Store) replaceMiss(ctx context.Context, doc domain.Document) error {
	var stored int64
	err := s.pool.QueryRow(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND doc_id = $2`,
		doc.Collection, string(doc.ID)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return sentinel.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("replace %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return fmt.Errorf("%s/%s expected version %d, stored %d: %w",
		doc.Collection, doc.ID, doc.Version, stored, sentinel.ErrVersionConflict)
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error { return nil }

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
