// Package surreal stores service-owned entities and legacy documents in
// SurrealDB. Entities live in the "entity" table keyed by "Type:id";
// documents live in one table per collection. A batch is sent as a single
// query wrapped in BEGIN/COMMIT TRANSACTION, so version checks and writes
// succeed or fail together.
package surreal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
	"erpsplit/pkg/platform/sentinel"
)

const (
	entityTable  = "entity"
	appliedTable = "applied_batch"

	throwVersionConflict = "version_conflict"
	throwAlreadyApplied  = "already_applied"
)

// Store implements store.Backend on a connected SurrealDB handle.
type Store struct {
	db *surrealdb.DB
}

// New wraps a connected database; namespace and database must already be selected.
func New(db *surrealdb.DB) *Store {
	return &Store{db: db}
}

type entityRow struct {
	ID         *models.RecordID `json:"id,omitempty"`
	EntityType string           `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	Version    int64            `json:"version"`
	Owner      string           `json:"owner"`
	Attributes map[string]any   `json:"attributes"`
}

type documentRow struct {
	ID      *models.RecordID `json:"id,omitempty"`
	DocID   string           `json:"doc_id"`
	Version int64            `json:"version"`
	Fields  map[string]any   `json:"fields"`
}

func entityRecord(k domain.Key) models.RecordID {
	return models.NewRecordID(entityTable, k.String())
}

func (s *Store) Find(ctx context.Context, entityType domain.EntityType, id domain.EntityID) (domain.Entity, error) {
	key := domain.Key{Type: entityType, ID: id}
	res, err := surrealdb.Query[[]entityRow](ctx, s.db, "SELECT * FROM $rid", map[string]any{
		"rid": entityRecord(key),
	})
	if err != nil {
		return domain.Entity{}, fmt.Errorf("find %s: %w", key, err)
	}
	rows, err := firstResult(res)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("find %s: %w", key, err)
	}
	if len(rows) == 0 {
		return domain.Entity{}, sentinel.ErrNotFound
	}
	r := rows[0]
	return domain.Entity{
		ID:         id,
		Type:       entityType,
		Version:    r.Version,
		Owner:      domain.ServiceID(r.Owner),
		Attributes: r.Attributes,
	}, nil
}

func (s *Store) Commit(ctx context.Context, batch store.Batch) (store.CommitResult, error) {
	if err := store.ValidateBatch(batch); err != nil {
		return store.CommitResult{}, err
	}
	// Ensure mutations only report a change when the entity was absent. The
	// pre-read is advisory: it drives invalidation notices, never correctness.
	absent, err := s.absentEnsures(ctx, batch)
	if err != nil {
		return store.CommitResult{}, err
	}

	result := store.CommitResult{CommitID: store.NewCommitID()}
	var q strings.Builder
	vars := map[string]any{"commit_id": result.CommitID}
	q.WriteString("BEGIN TRANSACTION;\n")
	if batch.DedupToken != "" {
		vars["token"] = models.NewRecordID(appliedTable, batch.DedupToken)
		fmt.Fprintf(&q, "IF array::len((SELECT id FROM $token)) > 0 { THROW %q };\n", throwAlreadyApplied)
		q.WriteString("CREATE $token SET commit_id = $commit_id, applied_at = time::now();\n")
	}

	for i, m := range batch.Mutations {
		e := m.Entity
		k := e.Key()
		rid := fmt.Sprintf("rid%d", i)
		row := fmt.Sprintf("row%d", i)
		expected := fmt.Sprintf("exp%d", i)
		vars[rid] = entityRecord(k)
		vars[expected] = e.Version
		vars[row] = entityRow{
			EntityType: string(e.Type),
			EntityID:   string(e.ID),
			Version:    e.Version + 1,
			Owner:      string(e.Owner),
			Attributes: nonNil(e.Attributes),
		}
		current := fmt.Sprintf("(SELECT VALUE version FROM $%s)", rid)
		switch m.Op {
		case store.OpCreate:
			fmt.Fprintf(&q, "IF array::len(%s) > 0 { THROW %q };\n", current, throwVersionConflict+":"+k.String())
			fmt.Fprintf(&q, "CREATE $%s CONTENT $%s;\n", rid, row)
		case store.OpEnsure:
			fmt.Fprintf(&q, "IF array::len(%s) = 0 { CREATE $%s CONTENT $%s };\n", current, rid, row)
		case store.OpUpdate:
			fmt.Fprintf(&q, "IF %s[0] != $%s { THROW %q };\n", current, expected, throwVersionConflict+":"+k.String())
			fmt.Fprintf(&q, "UPDATE $%s CONTENT $%s;\n", rid, row)
		case store.OpDelete:
			fmt.Fprintf(&q, "IF %s[0] != $%s { THROW %q };\n", current, expected, throwVersionConflict+":"+k.String())
			fmt.Fprintf(&q, "DELETE $%s;\n", rid)
		}
		if m.Op != store.OpEnsure || absent[k] {
			result.Changes = append(result.Changes, store.Change{Key: k, Version: e.Version + 1, Deleted: m.Op == store.OpDelete})
		}
	}
	q.WriteString("COMMIT TRANSACTION;")

	res, err := surrealdb.Query[any](ctx, s.db, q.String(), vars)
	if err != nil {
		return store.CommitResult{}, translate(err)
	}
	if res != nil {
		for _, r := range *res {
			if r.Status != "OK" {
				return store.CommitResult{}, translate(fmt.Errorf("%v", r.Result))
			}
		}
	}
	return result, nil
}

func (s *Store) absentEnsures(ctx context.Context, batch store.Batch) (map[domain.Key]bool, error) {
	absent := map[domain.Key]bool{}
	for _, m := range batch.Mutations {
		if m.Op != store.OpEnsure {
			continue
		}
		_, err := s.Find(ctx, m.Entity.Type, m.Entity.ID)
		switch {
		case err == nil:
		case errors.Is(err, sentinel.ErrNotFound):
			absent[m.Entity.Key()] = true
		default:
			return nil, err
		}
	}
	return absent, nil
}

func (s *Store) Scan(ctx context.Context, collection string, after domain.EntityID, limit int) ([]domain.Document, error) {
	res, err := surrealdb.Query[[]documentRow](ctx, s.db,
		"SELECT * FROM type::table($coll) WHERE doc_id > $after ORDER BY doc_id ASC LIMIT $limit",
		map[string]any{"coll": collection, "after": string(after), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	rows, err := firstResult(res)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", collection, err)
	}
	docs := make([]domain.Document, 0, len(rows))
	for _, r := range rows {
		docs = append(docs, domain.Document{
			Collection: collection,
			ID:         domain.EntityID(r.DocID),
			Version:    r.Version,
			Fields:     r.Fields,
		})
	}
	return docs, nil
}

func (s *Store) Insert(ctx context.Context, doc domain.Document) error {
	version := doc.Version
	if version == 0 {
		version = 1
	}
	_, err := surrealdb.Query[any](ctx, s.db, "CREATE $rid CONTENT $row", map[string]any{
		"rid": models.NewRecordID(doc.Collection, string(doc.ID)),
		"row": documentRow{DocID: string(doc.ID), Version: version, Fields: nonNil(doc.Fields)},
	})
	if err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("%s/%s exists: %w", doc.Collection, doc.ID, sentinel.ErrVersionConflict)
		}
		return fmt.Errorf("insert %s/%s: %w", doc.Collection, doc.ID, err)
	}
	return nil
}

func (s *Store) Replace(ctx context.Context, doc domain.Document) (domain.Document, error) {
	next := doc.Clone()
	next.Version = doc.Version + 1
	q := fmt.Sprintf(`BEGIN TRANSACTION;
LET $cur = (SELECT VALUE version FROM $rid);
IF array::len($cur) = 0 { THROW "not_found" };
IF $cur[0] != $expected { THROW %q };
UPDATE $rid CONTENT $row;
COMMIT TRANSACTION;`, throwVersionConflict)
	res, err := surrealdb.Query[any](ctx, s.db, q, map[string]any{
		"rid":      models.NewRecordID(doc.Collection, string(doc.ID)),
		"expected": doc.Version,
		"row":      documentRow{DocID: string(doc.ID), Version: next.Version, Fields: nonNil(next.Fields)},
	})
	if err == nil && res != nil {
		for _, r := range *res {
			if r.Status != "OK" {
				err = fmt.Errorf("%v", r.Result)
				break
			}
		}
	}
	if err != nil {
		if strings.Contains(err.Error(), "not_found") {
			return domain.Document{}, sentinel.ErrNotFound
		}
		return domain.Document{}, fmt.Errorf("replace %s/%s: %w", doc.Collection, doc.ID, translate(err))
	}
	return next, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

func firstResult[T any](res *[]surrealdb.QueryResult[T]) (T, error) {
	var zero T
	if res == nil || len(*res) == 0 {
		return zero, nil
	}
	r := (*res)[0]
	if r.Status != "OK" {
		return zero, fmt.Errorf("query status %s", r.Status)
	}
	return r.Result, nil
}

// translate maps THROW markers raised inside a transaction to sentinels.
func translate(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, throwAlreadyApplied):
		return sentinel.ErrAlreadyApplied
	case strings.Contains(msg, throwVersionConflict):
		return fmt.Errorf("%s: %w", msg, sentinel.ErrVersionConflict)
	default:
		return fmt.Errorf("commit batch: %w", err)
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
