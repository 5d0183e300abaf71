//go:build integration

package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"girder/internal/ledger"
	platformredis "girder/internal/platform/redis"
	"girder/pkg/testutil/containers"
)

type RedisCacheSuite struct {
	suite.Suite
	redis   *containers.RedisContainer
	cache   *platformredis.Client
	ledger  *ledger.MemoryStore
	service *Service
}

func TestRedisCacheSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisCacheSuite))
}

func (s *RedisCacheSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.cache = &platformredis.Client{Client: s.redis.Client}
}

func (s *RedisCacheSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
	s.ledger = ledger.NewMemory()
	service, err := NewService(s.ledger, s.cache, time.Minute)
	s.Require().NoError(err)
	s.service = service
}

func (s *RedisCacheSuite) append(event ledger.EventName, outcome ledger.Outcome) {
	err := s.ledger.Append(context.Background(), &ledger.Entry{
		OrgID:     "org-a",
		ActorID:   "actor-1",
		EventName: event,
		Severity:  ledger.SeverityInfo,
		Outcome:   outcome,
	})
	s.Require().NoError(err)
}

func (s *RedisCacheSuite) TestReadThroughCachesSnapshot() {
	ctx := context.Background()
	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)
	s.append(ledger.EventAccessRevoked, ledger.OutcomeBlocked)

	snapshot, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)
	s.Equal(int64(2), snapshot.TotalEvents)
	s.Equal(int64(1), snapshot.Violations)

	exists, err := s.cache.Exists(ctx, cacheKey("org-a")).Result()
	s.Require().NoError(err)
	s.Equal(int64(1), exists)

	// New ledger activity is invisible until the cache is invalidated.
	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)
	cached, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)
	s.Equal(int64(2), cached.TotalEvents)
}

func (s *RedisCacheSuite) TestInvalidateForcesRecompute() {
	ctx := context.Background()
	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)

	_, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)

	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)
	s.service.Invalidate(ctx, "org-a")

	fresh, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)
	s.Equal(int64(2), fresh.TotalEvents)
}

func (s *RedisCacheSuite) TestCorruptCacheEntryFallsBackToCompute() {
	ctx := context.Background()
	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)

	err := s.cache.Set(ctx, cacheKey("org-a"), []byte("not json"), time.Minute).Err()
	s.Require().NoError(err)

	snapshot, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)
	s.Equal(int64(1), snapshot.TotalEvents)
}

func (s *RedisCacheSuite) TestCacheEntryCarriesTTL() {
	ctx := context.Background()
	s.append(ledger.EventJobCreated, ledger.OutcomeSuccess)

	_, err := s.service.Readiness(ctx, "org-a")
	s.Require().NoError(err)

	ttl, err := s.cache.TTL(ctx, cacheKey("org-a")).Result()
	s.Require().NoError(err)
	s.Greater(ttl, time.Duration(0))
	s.LessOrEqual(ttl, time.Minute)
}
