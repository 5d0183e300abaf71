//go:build integration

package idempotency_test

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"girder/internal/idempotency"
	"girder/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *idempotency.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = idempotency.NewPostgres(s.postgres.DB, time.Hour)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "idempotency_keys")
	s.Require().NoError(err)
}

func testScope(key string) idempotency.Scope {
	return idempotency.Scope{
		Key:      key,
		OrgID:    "org-a",
		ActorID:  "actor-1",
		Endpoint: "POST /exports",
	}
}

func (s *PostgresStoreSuite) TestPutThenGetRoundTrip() {
	ctx := context.Background()

	record := &idempotency.Record{
		Scope:           testScope("key-1"),
		ResponseStatus:  http.StatusAccepted,
		ResponseBody:    []byte(`{"id":"export-1"}`),
		ResponseHeaders: map[string]string{"Content-Type": "application/json"},
		PayloadHash:     idempotency.HashPayload([]byte(`{"plan":"free"}`)),
	}
	s.Require().NoError(s.store.Put(ctx, record))

	found, err := s.store.Get(ctx, testScope("key-1"))
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(http.StatusAccepted, found.ResponseStatus)
	s.Equal(record.ResponseBody, found.ResponseBody)
	s.Equal("application/json", found.ResponseHeaders["Content-Type"])
	s.Equal(record.PayloadHash, found.PayloadHash)
	s.False(found.ExpiresAt.IsZero())
}

func (s *PostgresStoreSuite) TestUnknownScopeIsAMiss() {
	found, err := s.store.Get(context.Background(), testScope("never-used"))
	s.Require().NoError(err)
	s.Nil(found)
}

// TestFirstWriterWinsUnderConcurrency verifies that a storm of duplicate
// inserts leaves exactly one canonical response behind.
func (s *PostgresStoreSuite) TestFirstWriterWinsUnderConcurrency() {
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			record := &idempotency.Record{
				Scope:          testScope("contended-key"),
				ResponseStatus: http.StatusAccepted,
				ResponseBody:   []byte(fmt.Sprintf(`{"writer":%d}`, idx)),
			}
			s.NoError(s.store.Put(ctx, record))
		}(i)
	}
	wg.Wait()

	var count int
	err := s.postgres.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM idempotency_keys WHERE key = 'contended-key'`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(1, count)

	first, err := s.store.Get(ctx, testScope("contended-key"))
	s.Require().NoError(err)
	s.Require().NotNil(first)
	second, err := s.store.Get(ctx, testScope("contended-key"))
	s.Require().NoError(err)
	s.Equal(first.ResponseBody, second.ResponseBody, "replays must stay canonical")
}

func (s *PostgresStoreSuite) TestExpiredRecordIsInvisible() {
	ctx := context.Background()

	record := &idempotency.Record{
		Scope:          testScope("stale-key"),
		ResponseStatus: http.StatusAccepted,
		ResponseBody:   []byte(`{}`),
		ExpiresAt:      time.Now().UTC().Add(-time.Minute),
	}
	s.Require().NoError(s.store.Put(ctx, record))

	found, err := s.store.Get(ctx, testScope("stale-key"))
	s.Require().NoError(err)
	s.Nil(found, "expired rows are filtered, not served")
}

func (s *PostgresStoreSuite) TestCleanupRemovesOnlyExpiredRows() {
	ctx := context.Background()

	expired := &idempotency.Record{
		Scope:          testScope("expired-key"),
		ResponseStatus: http.StatusAccepted,
		ResponseBody:   []byte(`{}`),
		ExpiresAt:      time.Now().UTC().Add(-time.Minute),
	}
	s.Require().NoError(s.store.Put(ctx, expired))
	live := &idempotency.Record{
		Scope:          testScope("live-key"),
		ResponseStatus: http.StatusAccepted,
		ResponseBody:   []byte(`{}`),
	}
	s.Require().NoError(s.store.Put(ctx, live))

	s.Require().NoError(s.store.Cleanup(ctx, time.Now().UTC()))

	var count int
	err := s.postgres.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_keys`).Scan(&count)
	s.Require().NoError(err)
	s.Equal(1, count)

	found, err := s.store.Get(ctx, testScope("live-key"))
	s.Require().NoError(err)
	s.NotNil(found)
}
