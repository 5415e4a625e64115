//go:build integration

package surreal_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"erpsplit/internal/domain"
	platformsurreal "erpsplit/internal/platform/surreal"
	"erpsplit/internal/store"
	"erpsplit/internal/store/surreal"
	"erpsplit/pkg/platform/sentinel"
	"erpsplit/pkg/testutil/containers"
)

type SurrealStoreSuite struct {
	suite.Suite
	container *containers.SurrealContainer
	store     *surreal.Store
	ctx       context.Context
}

func TestSurrealStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(SurrealStoreSuite))
}

func (s *SurrealStoreSuite) SetupSuite() {
	s.container = containers.GetManager().GetSurreal(s.T())
}

// SetupTest opens a fresh database on the shared instance for every test.
func (s *SurrealStoreSuite) SetupTest() {
	s.ctx = context.Background()
	db, err := platformsurreal.Connect(s.ctx, s.container.URL("erpsplit", fmt.Sprintf("t%d", time.Now().UnixNano())))
	s.Require().NoError(err)
	s.store = surreal.New(db)
}

func (s *SurrealStoreSuite) TearDownTest() {
	s.NoError(s.store.Close())
}

func (s *SurrealStoreSuite) createOrder(id string, total int) {
	_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: domain.EntityID(id), Type: "Order", Owner: "order-service",
			Attributes: map[string]any{"total": total}}},
	}})
	s.Require().NoError(err)
}

func (s *SurrealStoreSuite) TestStaleVersionRollsBackWholeBatch() {
	s.createOrder("o1", 10)

	_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: "p1", Type: "Payment", Attributes: map[string]any{"order": "o1"}}},
		{Op: store.OpUpdate, Entity: domain.Entity{ID: "o1", Type: "Order", Version: 5, Attributes: map[string]any{"total": 99}}},
	}})
	s.Require().ErrorIs(err, sentinel.ErrVersionConflict)

	_, err = s.store.Find(s.ctx, "Payment", "p1")
	s.ErrorIs(err, sentinel.ErrNotFound, "the earlier create in the batch is rolled back")
	order, err := s.store.Find(s.ctx, "Order", "o1")
	s.Require().NoError(err)
	s.Equal(int64(1), order.Version)
	s.EqualValues(10, order.Attributes["total"])

	s.Run("current version applies", func() {
		res, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
			{Op: store.OpUpdate, Entity: domain.Entity{ID: "o1", Type: "Order", Version: 1, Attributes: map[string]any{"total": 99}}},
		}})
		s.Require().NoError(err)
		s.Require().Len(res.Changes, 1)
		s.Equal(int64(2), res.Changes[0].Version)
	})

	s.Run("create of existing entity conflicts", func() {
		_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
			{Op: store.OpCreate, Entity: domain.Entity{ID: "o1", Type: "Order"}},
		}})
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})
}

func (s *SurrealStoreSuite) TestDedupTokenReplayIsRefused() {
	batch := store.Batch{DedupToken: "tok-1", Mutations: []store.Mutation{
		{Op: store.OpCreate, Entity: domain.Entity{ID: "o1", Type: "Order", Attributes: map[string]any{"total": 10}}},
	}}
	first, err := s.store.Commit(s.ctx, batch)
	s.Require().NoError(err)
	s.NotEmpty(first.CommitID)

	_, err = s.store.Commit(s.ctx, batch)
	s.ErrorIs(err, sentinel.ErrAlreadyApplied)

	order, err := s.store.Find(s.ctx, "Order", "o1")
	s.Require().NoError(err)
	s.Equal(int64(1), order.Version)
}

func (s *SurrealStoreSuite) TestEnsureOfExistingEntityIsNoOp() {
	s.createOrder("o1", 10)

	res, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
		{Op: store.OpEnsure, Entity: domain.Entity{ID: "o1", Type: "Order", Attributes: map[string]any{"total": 77}}},
		{Op: store.OpEnsure, Entity: domain.Entity{ID: "o2", Type: "Order", Attributes: map[string]any{"total": 5}}},
	}})
	s.Require().NoError(err)
	s.Require().Len(res.Changes, 1, "only the absent entity reports a change")
	s.Equal(domain.EntityID("o2"), res.Changes[0].Key.ID)

	existing, err := s.store.Find(s.ctx, "Order", "o1")
	s.Require().NoError(err)
	s.Equal(int64(1), existing.Version)
	s.EqualValues(10, existing.Attributes["total"])

	created, err := s.store.Find(s.ctx, "Order", "o2")
	s.Require().NoError(err)
	s.Equal(int64(1), created.Version)
}

func (s *SurrealStoreSuite) TestScanPagesInIDOrder() {
	for _, id := range []string{"d3", "d1", "d5", "d2", "d4"} {
		s.Require().NoError(s.store.Insert(s.ctx, domain.Document{
			Collection: "legacy_orders",
			ID:         domain.EntityID(id),
			Fields:     map[string]any{"ref": id},
		}))
	}

	var (
		seen  []domain.EntityID
		after domain.EntityID
	)
	for page := 0; page < 5; page++ {
		docs, err := s.store.Scan(s.ctx, "legacy_orders", after, 2)
		s.Require().NoError(err)
		if len(docs) == 0 {
			break
		}
		s.LessOrEqual(len(docs), 2)
		for _, d := range docs {
			seen = append(seen, d.ID)
			s.Equal(int64(1), d.Version)
		}
		after = docs[len(docs)-1].ID
	}
	s.Equal([]domain.EntityID{"d1", "d2", "d3", "d4", "d5"}, seen)

	s.Run("replace checks the version", func() {
		doc := domain.Document{Collection: "legacy_orders", ID: "d1", Version: 1, Fields: map[string]any{"ref": "d1", "v2": true}}
		next, err := s.store.Replace(s.ctx, doc)
		s.Require().NoError(err)
		s.Equal(int64(2), next.Version)

		_, err = s.store.Replace(s.ctx, doc)
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})

	s.Run("duplicate insert conflicts", func() {
		err := s.store.Insert(s.ctx, domain.Document{Collection: "legacy_orders", ID: "d1"})
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})
}
