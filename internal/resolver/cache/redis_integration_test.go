//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"erpsplit/internal/domain"
	"erpsplit/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	cache *Redis
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.cache = NewRedis(s.redis.Client, WithPrefix("it"), WithRedisTTL(time.Minute))
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestPutGet() {
	ctx := context.Background()
	s.Require().NoError(s.cache.Put(ctx, user("u1", 1)))

	got, hit, err := s.cache.Get(ctx, domain.Key{Type: "User", ID: "u1"})
	s.Require().NoError(err)
	s.Require().True(hit)
	s.Equal(int64(1), got.Version)

	_, hit, err = s.cache.Get(ctx, domain.Key{Type: "User", ID: "u2"})
	s.Require().NoError(err)
	s.False(hit)
}

func (s *RedisCacheSuite) TestInvalidationFloorBlocksStalePut() {
	ctx := context.Background()
	key := domain.Key{Type: "User", ID: "u1"}
	s.Require().NoError(s.cache.Put(ctx, user("u1", 1)))
	s.Require().NoError(s.cache.Invalidate(ctx, key, 2))

	_, hit, err := s.cache.Get(ctx, key)
	s.Require().NoError(err)
	s.False(hit)

	s.Require().NoError(s.cache.Put(ctx, user("u1", 1)))
	_, hit, _ = s.cache.Get(ctx, key)
	s.False(hit, "a read that started before the invalidation must not repopulate")

	s.Require().NoError(s.cache.Put(ctx, user("u1", 2)))
	got, hit, _ := s.cache.Get(ctx, key)
	s.Require().True(hit)
	s.Equal(int64(2), got.Version)
}

func (s *RedisCacheSuite) TestNewerEntrySurvivesOlderInvalidation() {
	ctx := context.Background()
	key := domain.Key{Type: "User", ID: "u1"}
	s.Require().NoError(s.cache.Put(ctx, user("u1", 5)))
	s.Require().NoError(s.cache.Invalidate(ctx, key, 3))

	got, hit, err := s.cache.Get(ctx, key)
	s.Require().NoError(err)
	s.Require().True(hit)
	s.Equal(int64(5), got.Version)
}
