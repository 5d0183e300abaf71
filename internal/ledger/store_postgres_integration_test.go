//go:build integration

package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"girder/internal/ledger"
	dErrors "girder/pkg/domain-errors"
	"girder/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ledger.PostgresStore
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
	s.store = ledger.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.postgres.TruncateTables(context.Background(), "ledger_entries")
	s.Require().NoError(err)
}

func newTestEntry(orgID string, event ledger.EventName) *ledger.Entry {
	return &ledger.Entry{
		OrgID:     orgID,
		ActorID:   "actor-1",
		EventName: event,
		Severity:  ledger.SeverityInfo,
		Outcome:   ledger.OutcomeSuccess,
	}
}

func (s *PostgresStoreSuite) TestAppendAssignsIdentityAndSequence() {
	ctx := context.Background()

	first := newTestEntry("org-a", ledger.EventJobCreated)
	s.Require().NoError(s.store.Append(ctx, first))
	second := newTestEntry("org-a", ledger.EventJobUpdated)
	s.Require().NoError(s.store.Append(ctx, second))

	s.NotEmpty(first.ID)
	s.False(first.CreatedAt.IsZero())
	s.Greater(second.Seq, first.Seq, "sequence must advance with insert order")
	s.Equal(ledger.CategoryOperations, first.Category, "category derived from event name")
}

// TestConcurrentAppendsGetDistinctSequences verifies that the fold order is
// total even when many writers append at once.
func (s *PostgresStoreSuite) TestConcurrentAppendsGetDistinctSequences() {
	ctx := context.Background()
	const goroutines = 50

	var wg sync.WaitGroup
	seqs := make(chan int64, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry := newTestEntry("org-a", ledger.EventHazardLogged)
			if err := s.store.Append(ctx, entry); err == nil {
				seqs <- entry.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[int64]bool)
	for seq := range seqs {
		s.False(seen[seq], "sequence %d assigned twice", seq)
		seen[seq] = true
	}
	s.Len(seen, goroutines)
}

func (s *PostgresStoreSuite) TestFindByIdempotencyKeyScope() {
	ctx := context.Background()

	entry := newTestEntry("org-a", ledger.EventExportRequested)
	entry.Metadata = map[string]any{ledger.MetadataKeyIdempotency: "key-1"}
	s.Require().NoError(s.store.Append(ctx, entry))

	found, err := s.store.FindByIdempotencyKey(ctx, "org-a", "actor-1", ledger.EventExportRequested, "key-1")
	s.Require().NoError(err)
	s.Require().NotNil(found)
	s.Equal(entry.ID, found.ID)
	s.Equal("key-1", found.Metadata[ledger.MetadataKeyIdempotency])

	// The same key under a different actor or event is a different command.
	found, err = s.store.FindByIdempotencyKey(ctx, "org-a", "actor-2", ledger.EventExportRequested, "key-1")
	s.Require().NoError(err)
	s.Nil(found)
	found, err = s.store.FindByIdempotencyKey(ctx, "org-a", "actor-1", ledger.EventJobCreated, "key-1")
	s.Require().NoError(err)
	s.Nil(found)
}

// TestFindByIdempotencyKeyWithoutActor covers system commands, which store
// actor_id as NULL. The lookup must still replay them.
func (s *PostgresStoreSuite) TestFindByIdempotencyKeyWithoutActor() {
	ctx := context.Background()

	entry := newTestEntry("org-a", ledger.EventRootAnchored)
	entry.ActorID = ""
	entry.Metadata = map[string]any{ledger.MetadataKeyIdempotency: "key-system"}
	s.Require().NoError(s.store.Append(ctx, entry))

	found, err := s.store.FindByIdempotencyKey(ctx, "org-a", "", ledger.EventRootAnchored, "key-system")
	s.Require().NoError(err)
	s.Require().NotNil(found, "actorless entries must be found on replay")
	s.Equal(entry.ID, found.ID)
	s.Empty(found.ActorID)

	// An actorless entry does not satisfy an actor-scoped lookup.
	found, err = s.store.FindByIdempotencyKey(ctx, "org-a", "actor-1", ledger.EventRootAnchored, "key-system")
	s.Require().NoError(err)
	s.Nil(found)
}

func (s *PostgresStoreSuite) TestAppendRejectsDuplicateIdempotencyKey() {
	ctx := context.Background()

	keyed := func(actor string) *ledger.Entry {
		entry := newTestEntry("org-a", ledger.EventExportRequested)
		entry.ActorID = actor
		entry.Metadata = map[string]any{ledger.MetadataKeyIdempotency: "key-dup"}
		return entry
	}

	s.Require().NoError(s.store.Append(ctx, keyed("actor-1")))
	s.ErrorIs(s.store.Append(ctx, keyed("actor-1")), ledger.ErrDuplicateKey)

	// The uniqueness rule covers NULL actors too.
	s.Require().NoError(s.store.Append(ctx, keyed("")))
	s.ErrorIs(s.store.Append(ctx, keyed("")), ledger.ErrDuplicateKey)

	// Another scope is free to reuse the key.
	s.NoError(s.store.Append(ctx, keyed("actor-2")))
}

func (s *PostgresStoreSuite) TestListWindowOrdersBySequence() {
	ctx := context.Background()

	events := []ledger.EventName{ledger.EventJobCreated, ledger.EventJobUpdated, ledger.EventJobCompleted}
	for _, event := range events {
		s.Require().NoError(s.store.Append(ctx, newTestEntry("org-a", event)))
	}
	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-b", ledger.EventJobCreated)))

	now := time.Now().UTC()
	entries, err := s.store.ListWindow(ctx, "org-a", now.Add(-time.Hour), now.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(entries, len(events))
	for i, entry := range entries {
		s.Equal(events[i], entry.EventName)
		if i > 0 {
			s.Greater(entry.Seq, entries[i-1].Seq)
		}
	}

	// A window entirely in the past sees nothing.
	entries, err = s.store.ListWindow(ctx, "org-a", now.Add(-2*time.Hour), now.Add(-time.Hour))
	s.Require().NoError(err)
	s.Empty(entries)
}

func (s *PostgresStoreSuite) TestCountFilters() {
	ctx := context.Background()

	blocked := newTestEntry("org-a", ledger.EventAccessRevoked)
	blocked.Outcome = ledger.OutcomeBlocked
	s.Require().NoError(s.store.Append(ctx, blocked))
	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-a", ledger.EventIncidentOpened)))
	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-a", ledger.EventIncidentClosed)))
	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-b", ledger.EventIncidentOpened)))

	total, err := s.store.Count(ctx, "org-a", ledger.Filter{})
	s.Require().NoError(err)
	s.Equal(int64(3), total)

	count, err := s.store.Count(ctx, "org-a", ledger.Filter{Outcome: ledger.OutcomeBlocked})
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	count, err = s.store.Count(ctx, "org-a", ledger.Filter{EventPrefix: "incident."})
	s.Require().NoError(err)
	s.Equal(int64(2), count)

	count, err = s.store.Count(ctx, "org-a", ledger.Filter{Category: ledger.CategoryIncidentReview})
	s.Require().NoError(err)
	s.Equal(int64(2), count)
}

func (s *PostgresStoreSuite) TestOrganizationsInWindow() {
	ctx := context.Background()

	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-b", ledger.EventJobCreated)))
	s.Require().NoError(s.store.Append(ctx, newTestEntry("org-a", ledger.EventJobCreated)))

	now := time.Now().UTC()
	orgs, err := s.store.OrganizationsInWindow(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	s.Require().NoError(err)
	s.Equal([]string{"org-a", "org-b"}, orgs)
}

func (s *PostgresStoreSuite) TestGetByIDScopedToOrganization() {
	ctx := context.Background()

	entry := newTestEntry("org-a", ledger.EventJobCreated)
	s.Require().NoError(s.store.Append(ctx, entry))

	found, err := s.store.GetByID(ctx, "org-a", entry.ID)
	s.Require().NoError(err)
	s.Equal(entry.Seq, found.Seq)

	_, err = s.store.GetByID(ctx, "org-b", entry.ID)
	s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
}
