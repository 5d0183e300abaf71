package anchor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"girder/internal/ledger"
	"girder/pkg/requestcontext"
)

type WorkerSuite struct {
	suite.Suite
	ledger *ledger.MemoryStore
	roots  *MemoryStore
	worker *Worker
	ctx    context.Context
	day    time.Time
}

func TestWorkerSuite(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}

func (s *WorkerSuite) SetupTest() {
	s.ledger = ledger.NewMemory()
	s.roots = NewMemory()

	var err error
	s.worker, err = NewWorker(s.ledger, s.roots, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.day = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
}

func (s *WorkerSuite) append(orgID string, at time.Time, event ledger.EventName) *ledger.Entry {
	entry := &ledger.Entry{
		OrgID:     orgID,
		ActorID:   "actor-1",
		EventName: event,
		Severity:  ledger.SeverityInfo,
		Outcome:   ledger.OutcomeSuccess,
	}
	s.Require().NoError(s.ledger.Append(requestcontext.WithTime(s.ctx, at), entry))
	return entry
}

func (s *WorkerSuite) TestAnchorsOneRootPerOrg() {
	s.append("org-a", s.day.Add(9*time.Hour), ledger.EventJobCreated)
	s.append("org-a", s.day.Add(10*time.Hour), ledger.EventJobCompleted)
	s.append("org-b", s.day.Add(11*time.Hour), ledger.EventHazardLogged)
	s.append("org-a", s.day.AddDate(0, 0, 1), ledger.EventJobCreated) // next day, out of window

	s.worker.AnchorDay(s.ctx, s.day)

	rootA, err := s.roots.GetByOrgDate(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.Require().NotNil(rootA)
	s.Equal(int64(2), rootA.EventCount)
	s.Len(rootA.MerkleRoot, 64)

	rootB, err := s.roots.GetByOrgDate(s.ctx, "org-b", s.day)
	s.Require().NoError(err)
	s.Require().NotNil(rootB)
	s.Equal(int64(1), rootB.EventCount)
	s.NotEqual(rootA.MerkleRoot, rootB.MerkleRoot)
}

func (s *WorkerSuite) TestRerunIsIdempotent() {
	s.append("org-a", s.day.Add(time.Hour), ledger.EventJobCreated)

	s.worker.AnchorDay(s.ctx, s.day)
	first, err := s.roots.GetByOrgDate(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.Require().NotNil(first)

	s.worker.AnchorDay(s.ctx, s.day)
	second, err := s.roots.GetByOrgDate(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.Equal(first.ID, second.ID)
	s.Equal(first.MerkleRoot, second.MerkleRoot)

	// Exactly one anchoring event despite two runs.
	count, err := s.ledger.Count(s.ctx, "org-a", ledger.Filter{
		EventPrefix: string(ledger.EventRootAnchored),
	})
	s.Require().NoError(err)
	s.Equal(int64(1), count)
}

func (s *WorkerSuite) TestRecomputeMatchesStoredRoot() {
	s.append("org-a", s.day.Add(time.Hour), ledger.EventJobCreated)
	s.append("org-a", s.day.Add(2*time.Hour), ledger.EventIncidentOpened)
	s.append("org-a", s.day.Add(3*time.Hour), ledger.EventIncidentClosed)

	s.worker.AnchorDay(s.ctx, s.day)

	ok, err := s.worker.Recompute(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *WorkerSuite) TestRecomputeBoundsToAnchoredRange() {
	s.append("org-a", s.day.Add(time.Hour), ledger.EventJobCreated)
	s.worker.AnchorDay(s.ctx, s.day)

	// A late append inside the already-anchored window postdates the fold
	// and must not change the recomputation.
	s.append("org-a", s.day.Add(23*time.Hour), ledger.EventJobUpdated)

	ok, err := s.worker.Recompute(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *WorkerSuite) TestAnchorDayWithNoEntries() {
	s.worker.AnchorDay(s.ctx, s.day)
	root, err := s.roots.GetByOrgDate(s.ctx, "org-a", s.day)
	s.Require().NoError(err)
	s.Nil(root)
}

func TestEntryLeafCoversIdentity(t *testing.T) {
	base := &ledger.Entry{
		ID: "e1", Seq: 1, OrgID: "org-a", EventName: ledger.EventJobCreated,
		Category: ledger.CategoryOperations, Severity: ledger.SeverityInfo,
		Outcome: ledger.OutcomeSuccess, CreatedAt: time.Unix(1000, 0),
	}
	altered := *base
	altered.Outcome = ledger.OutcomeBlocked

	if string(EntryLeaf(base)) == string(EntryLeaf(&altered)) {
		t.Fatal("leaf bytes must change when a covered field changes")
	}
}
