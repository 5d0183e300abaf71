package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"girder/pkg/requestcontext"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
	scope Scope
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemory(DefaultTTL)
	s.ctx = context.Background()
	s.scope = Scope{Key: "key-1", OrgID: "org-a", ActorID: "actor-1", Endpoint: "exports.create"}
}

func (s *MemoryStoreSuite) TestGetMissReturnsNil() {
	record, err := s.store.Get(s.ctx, s.scope)
	s.NoError(err)
	s.Nil(record)
}

func (s *MemoryStoreSuite) TestPutThenGetReturnsRecordedResponse() {
	put := &Record{
		Scope:          s.scope,
		ResponseStatus: 202,
		ResponseBody:   []byte(`{"id":"job-1"}`),
		PayloadHash:    HashPayload([]byte(`{"format":"pdf"}`)),
	}
	s.Require().NoError(s.store.Put(s.ctx, put))

	got, err := s.store.Get(s.ctx, s.scope)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(202, got.ResponseStatus)
	s.Equal([]byte(`{"id":"job-1"}`), got.ResponseBody)
	s.Equal(put.PayloadHash, got.PayloadHash)
}

func (s *MemoryStoreSuite) TestFirstWriterWins() {
	s.Require().NoError(s.store.Put(s.ctx, &Record{Scope: s.scope, ResponseStatus: 202}))
	s.Require().NoError(s.store.Put(s.ctx, &Record{Scope: s.scope, ResponseStatus: 500}))

	got, err := s.store.Get(s.ctx, s.scope)
	s.Require().NoError(err)
	s.Equal(202, got.ResponseStatus)
}

func (s *MemoryStoreSuite) TestExpiredRecordsAreInert() {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, start)
	s.Require().NoError(s.store.Put(ctx, &Record{Scope: s.scope, ResponseStatus: 202}))

	// Within TTL: hit.
	later := requestcontext.WithTime(s.ctx, start.Add(23*time.Hour))
	got, err := s.store.Get(later, s.scope)
	s.Require().NoError(err)
	s.NotNil(got)

	// Past TTL: miss, without any delete having run.
	expired := requestcontext.WithTime(s.ctx, start.Add(25*time.Hour))
	got, err = s.store.Get(expired, s.scope)
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *MemoryStoreSuite) TestCleanupRemovesOnlyExpired() {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, start)
	s.Require().NoError(s.store.Put(ctx, &Record{Scope: s.scope, ResponseStatus: 202}))

	fresh := Scope{Key: "key-2", OrgID: "org-a", ActorID: "actor-1", Endpoint: "exports.create"}
	freshCtx := requestcontext.WithTime(s.ctx, start.Add(12*time.Hour))
	s.Require().NoError(s.store.Put(freshCtx, &Record{Scope: fresh, ResponseStatus: 202}))

	s.Require().NoError(s.store.Cleanup(s.ctx, start.Add(30*time.Hour)))

	got, err := s.store.Get(requestcontext.WithTime(s.ctx, start.Add(30*time.Hour)), fresh)
	s.Require().NoError(err)
	s.NotNil(got)
}

func TestHashPayloadIsStable(t *testing.T) {
	a := HashPayload([]byte(`{"format":"pdf"}`))
	b := HashPayload([]byte(`{"format":"pdf"}`))
	c := HashPayload([]byte(`{"format":"csv"}`))
	if a != b {
		t.Fatal("same payload must hash identically")
	}
	if a == c {
		t.Fatal("different payloads must hash differently")
	}
}
