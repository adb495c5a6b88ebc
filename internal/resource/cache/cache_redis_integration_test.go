//go:build integration

package cache_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"

	"ban/internal/resource/cache"
	"ban/internal/resource/models"
	"ban/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *cache.Redis
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	s.redis = containers.GetManager().GetRedis(s.T())
	s.store = cache.NewRedis(s.redis.Client.Client)
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisCacheSuite) TestSetGetDelete() {
	ctx := context.Background()
	ref := models.Ref{Resource: "group", PK: 12, ID: "ban-group-12"}

	s.Require().NoError(s.store.Set(ctx, cache.Key("group", 12), ref))

	got, ok, err := s.store.Get(ctx, cache.Key("group", 12))
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(ref, got)

	s.Require().NoError(s.store.Delete(ctx, cache.Key("group", 12)))
	_, ok, err = s.store.Get(ctx, cache.Key("group", 12))
	s.Require().NoError(err)
	s.False(ok)
}

func (s *RedisCacheSuite) TestClientHealth() {
	s.NoError(s.redis.Client.Health(context.Background()))
}
