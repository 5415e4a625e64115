package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"erpsplit/internal/domain"
	"erpsplit/internal/store"
	"erpsplit/pkg/platform/sentinel"
)

type StoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreSuite))
}

func (s *StoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
}

func order(id string, version int64, total int) domain.Entity {
	return domain.Entity{
		ID:         domain.EntityID(id),
		Type:       "Order",
		Version:    version,
		Owner:      "order-service",
		Attributes: map[string]any{"total": total},
	}
}

func (s *StoreSuite) TestCommit() {
	s.Run("create then update bumps version", func() {
		res, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpCreate, Entity: order("o-1", 0, 10)}}})
		s.Require().NoError(err)
		s.NotEmpty(res.CommitID)
		s.Require().Len(res.Changes, 1)
		s.Equal(int64(1), res.Changes[0].Version)

		_, err = s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpUpdate, Entity: order("o-1", 1, 20)}}})
		s.Require().NoError(err)

		got, err := s.store.Find(s.ctx, "Order", "o-1")
		s.Require().NoError(err)
		s.Equal(int64(2), got.Version)
		s.Equal(20, got.Attributes["total"])
	})

	s.Run("stale version conflicts without partial mutation", func() {
		_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpCreate, Entity: order("o-2", 0, 5)}}})
		s.Require().NoError(err)

		_, err = s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
			{Op: store.OpCreate, Entity: order("o-3", 0, 7)},
			{Op: store.OpUpdate, Entity: order("o-2", 0, 99)},
		}})
		s.Require().ErrorIs(err, sentinel.ErrVersionConflict)

		_, err = s.store.Find(s.ctx, "Order", "o-3")
		s.ErrorIs(err, sentinel.ErrNotFound, "first mutation of the failed batch must not be visible")
		got, err := s.store.Find(s.ctx, "Order", "o-2")
		s.Require().NoError(err)
		s.Equal(5, got.Attributes["total"])
	})

	s.Run("ensure is a no-op on existing entities", func() {
		_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpEnsure, Entity: order("o-4", 0, 1)}}})
		s.Require().NoError(err)
		res, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpEnsure, Entity: order("o-4", 0, 2)}}})
		s.Require().NoError(err)
		s.Empty(res.Changes)

		got, err := s.store.Find(s.ctx, "Order", "o-4")
		s.Require().NoError(err)
		s.Equal(1, got.Attributes["total"])
	})

	s.Run("dedup token rejects replays", func() {
		b := store.Batch{DedupToken: "tok-1", Mutations: []store.Mutation{{Op: store.OpCreate, Entity: order("o-5", 0, 1)}}}
		_, err := s.store.Commit(s.ctx, b)
		s.Require().NoError(err)
		_, err = s.store.Commit(s.ctx, b)
		s.ErrorIs(err, sentinel.ErrAlreadyApplied)
	})

	s.Run("delete reports a change", func() {
		_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpCreate, Entity: order("o-6", 0, 1)}}})
		s.Require().NoError(err)
		res, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpDelete, Entity: order("o-6", 1, 0)}}})
		s.Require().NoError(err)
		s.Require().Len(res.Changes, 1)
		s.True(res.Changes[0].Deleted)
		s.Equal(int64(2), res.Changes[0].Version)

		_, err = s.store.Find(s.ctx, "Order", "o-6")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("invalid batches are rejected", func() {
		_, err := s.store.Commit(s.ctx, store.Batch{})
		s.Error(err)
		_, err = s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{
			{Op: store.OpCreate, Entity: order("o-7", 0, 1)},
			{Op: store.OpUpdate, Entity: order("o-7", 1, 1)},
		}})
		s.Error(err)
	})
}

func (s *StoreSuite) TestConcurrentUpdatesSerialize() {
	_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpCreate, Entity: order("hot", 0, 0)}}})
	s.Require().NoError(err)

	const writers = 20
	var wg sync.WaitGroup
	var ok, conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := s.store.Commit(s.ctx, store.Batch{Mutations: []store.Mutation{{Op: store.OpUpdate, Entity: order("hot", 1, n)}}})
			if err == nil {
				ok.Add(1)
			} else {
				conflicts.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), ok.Load(), "exactly one writer holding version 1 may win")
	s.Equal(int32(writers-1), conflicts.Load())
}

func (s *StoreSuite) TestDocuments() {
	for _, id := range []string{"b", "a", "c"} {
		s.Require().NoError(s.store.Insert(s.ctx, domain.Document{Collection: "orders", ID: domain.EntityID(id), Fields: map[string]any{"n": id}}))
	}

	s.Run("scan pages in id order", func() {
		page, err := s.store.Scan(s.ctx, "orders", "", 2)
		s.Require().NoError(err)
		s.Require().Len(page, 2)
		s.Equal(domain.EntityID("a"), page[0].ID)
		s.Equal(domain.EntityID("b"), page[1].ID)

		page, err = s.store.Scan(s.ctx, "orders", "b", 2)
		s.Require().NoError(err)
		s.Require().Len(page, 1)
		s.Equal(domain.EntityID("c"), page[0].ID)
	})

	s.Run("replace is version checked", func() {
		doc, err := s.store.Get(s.ctx, "orders", "a")
		s.Require().NoError(err)
		doc.Fields["n"] = "A"
		next, err := s.store.Replace(s.ctx, doc)
		s.Require().NoError(err)
		s.Equal(doc.Version+1, next.Version)

		_, err = s.store.Replace(s.ctx, doc)
		s.ErrorIs(err, sentinel.ErrVersionConflict)
	})
}
