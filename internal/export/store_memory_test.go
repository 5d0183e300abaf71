package export

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *MemoryStore
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = NewMemory()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) queueJob(orgID string, plan PlanTier) *Job {
	job := &Job{OrgID: orgID, RequestedBy: "actor-1", Plan: plan}
	s.Require().NoError(s.store.Create(s.ctx, job))
	return job
}

func (s *MemoryStoreSuite) TestCreateAssignsIdentityAndToken() {
	job := s.queueJob("org-a", PlanFree)
	s.NotEmpty(job.ID)
	s.NotEmpty(job.VerificationToken)
	s.Equal(StateQueued, job.State)
	s.False(job.RequestedAt.IsZero())

	other := s.queueJob("org-a", PlanFree)
	s.NotEqual(job.VerificationToken, other.VerificationToken)
}

func (s *MemoryStoreSuite) TestCreateRejectsMissingOrg() {
	err := s.store.Create(s.ctx, &Job{})
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *MemoryStoreSuite) TestGetByTokenMissReturnsNil() {
	job, err := s.store.GetByToken(s.ctx, "nope")
	s.NoError(err)
	s.Nil(job)
}

func (s *MemoryStoreSuite) TestClaimOrder() {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	first := s.queueJobAt("org-a", base)
	s.queueJobAt("org-a", base.Add(time.Minute))

	claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal(first.ID, claimed.ID)
	s.Equal(StatePreparing, claimed.State)
	s.Equal("w1", claimed.WorkerID)
}

func (s *MemoryStoreSuite) queueJobAt(orgID string, at time.Time) *Job {
	job := &Job{OrgID: orgID, Plan: PlanFree}
	s.Require().NoError(s.store.Create(requestcontext.WithTime(s.ctx, at), job))
	return job
}

func (s *MemoryStoreSuite) TestClaimEmptyQueueIsNotAnError() {
	job, err := s.store.ClaimNext(s.ctx, "w1", 10)
	s.NoError(err)
	s.Nil(job)
}

func (s *MemoryStoreSuite) TestPerOrgInFlightCap() {
	for i := 0; i < 3; i++ {
		s.queueJob("org-a", PlanFree)
	}
	s.queueJob("org-b", PlanFree)

	first, err := s.store.ClaimNext(s.ctx, "w1", 2)
	s.Require().NoError(err)
	s.Require().NotNil(first)
	second, err := s.store.ClaimNext(s.ctx, "w2", 2)
	s.Require().NoError(err)
	s.Require().NotNil(second)
	s.Equal("org-a", first.OrgID)
	s.Equal("org-a", second.OrgID)

	// org-a is at the cap; the next claim skips to org-b's job.
	third, err := s.store.ClaimNext(s.ctx, "w3", 2)
	s.Require().NoError(err)
	s.Require().NotNil(third)
	s.Equal("org-b", third.OrgID)

	fourth, err := s.store.ClaimNext(s.ctx, "w4", 2)
	s.Require().NoError(err)
	s.Nil(fourth)
}

func (s *MemoryStoreSuite) TestExclusiveClaimUnderContention() {
	const jobs = 20
	for i := 0; i < jobs; i++ {
		s.queueJob("org-a", PlanFree)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{}
		total   int
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := s.store.ClaimNext(s.ctx, "w", jobs)
				s.NoError(err)
				if job == nil {
					return
				}
				mu.Lock()
				claimed[job.ID]++
				total++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Every job claimed exactly once; total claims equal the queue size.
	s.Equal(jobs, total)
	for id, n := range claimed {
		s.Equalf(1, n, "job %s claimed %d times", id, n)
	}
}

func (s *MemoryStoreSuite) TestPoisonPillScenario() {
	job := s.queueJob("org-a", PlanFree)

	for attempt := 1; attempt <= MaxFailures; attempt++ {
		claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
		s.Require().NoError(err)
		s.Require().NotNil(claimed, "attempt %d should find the job", attempt)
		s.Equal(job.ID, claimed.ID)

		failed, err := s.store.MarkFailed(s.ctx, claimed.ID, "w1", "builder exploded")
		s.Require().NoError(err)
		s.Equal(attempt, failed.FailureCount)
		if attempt < MaxFailures {
			s.Equal(StateQueued, failed.State)
		} else {
			s.Equal(StateFailed, failed.State)
		}
	}

	// Poisoned: no further polling cycle may pick it up.
	claimed, err := s.store.ClaimNext(s.ctx, "w2", 10)
	s.NoError(err)
	s.Nil(claimed)

	_, _, err = s.store.Payload(s.ctx, "org-a", job.ID)
	s.True(dErrors.Is(err, dErrors.CodeExportPoisoned))
}

func (s *MemoryStoreSuite) TestMarkReadySealsJob() {
	job := s.queueJob("org-a", PlanBusiness)
	claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
	s.Require().NoError(err)

	claimed.PayloadHash = "hash"
	claimed.ManifestDigest = "digest"
	claimed.EntryCount = 5
	claimed.ContentType = "application/pdf"
	claimed.CompletedAt = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.MarkReady(s.ctx, claimed, []byte("pdf bytes")))

	stored, err := s.store.GetByID(s.ctx, "org-a", job.ID)
	s.Require().NoError(err)
	s.Equal(StateReady, stored.State)
	s.Equal("digest", stored.ManifestDigest)
	s.Equal(claimed.CompletedAt, stored.CompletedAt)

	payload, contentType, err := s.store.Payload(s.ctx, "org-a", job.ID)
	s.Require().NoError(err)
	s.Equal([]byte("pdf bytes"), payload)
	s.Equal("application/pdf", contentType)
}

func (s *MemoryStoreSuite) TestMarkReadyAfterCancelIsDropped() {
	job := s.queueJob("org-a", PlanFree)
	claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
	s.Require().NoError(err)

	s.Require().NoError(s.store.Cancel(s.ctx, "org-a", job.ID))

	err = s.store.MarkReady(s.ctx, claimed, []byte("late"))
	s.True(dErrors.Is(err, dErrors.CodeConflict))

	stored, err := s.store.GetByID(s.ctx, "org-a", job.ID)
	s.Require().NoError(err)
	s.Equal(StateCanceled, stored.State)
}

func (s *MemoryStoreSuite) TestCancelTerminalJobConflicts() {
	job := s.queueJob("org-a", PlanFree)
	s.Require().NoError(s.store.Cancel(s.ctx, "org-a", job.ID))
	err := s.store.Cancel(s.ctx, "org-a", job.ID)
	s.True(dErrors.Is(err, dErrors.CodeConflict))
}

func (s *MemoryStoreSuite) TestDownloadStates() {
	job := s.queueJob("org-a", PlanFree)
	_, _, err := s.store.Payload(s.ctx, "org-a", job.ID)
	s.True(dErrors.Is(err, dErrors.CodeExportNotReady))

	_, _, err = s.store.Payload(s.ctx, "org-a", "unknown")
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
}

func (s *MemoryStoreSuite) TestRequeueStuck() {
	s.queueJob("org-a", PlanFree)
	claimTime := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	_, err := s.store.ClaimNext(requestcontext.WithTime(s.ctx, claimTime), "w1", 10)
	s.Require().NoError(err)

	n, err := s.store.RequeueStuck(s.ctx, claimTime.Add(-time.Minute))
	s.Require().NoError(err)
	s.Zero(n)

	n, err = s.store.RequeueStuck(s.ctx, claimTime.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(int64(1), n)

	// Requeued job is claimable again with its worker cleared.
	claimed, err := s.store.ClaimNext(s.ctx, "w2", 10)
	s.Require().NoError(err)
	s.Require().NotNil(claimed)
	s.Equal("w2", claimed.WorkerID)
}

func (s *MemoryStoreSuite) TestRetentionExpiryByPlanTier() {
	completed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seal := func(plan PlanTier) *Job {
		job := s.queueJob("org-a", plan)
		claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
		s.Require().NoError(err)
		claimed.CompletedAt = completed
		s.Require().NoError(s.store.MarkReady(s.ctx, claimed, []byte("x")))
		return job
	}
	free := seal(PlanFree)
	business := seal(PlanBusiness)

	// 60 days later: free (30d) ages out, business (365d) survives.
	expired, err := s.store.ExpireOld(s.ctx, completed.AddDate(0, 0, 60))
	s.Require().NoError(err)
	s.Require().Len(expired, 1)
	s.Equal(free.ID, expired[0].ID)

	_, _, err = s.store.Payload(s.ctx, "org-a", free.ID)
	s.True(dErrors.Is(err, dErrors.CodeGone))
	_, _, err = s.store.Payload(s.ctx, "org-a", business.ID)
	s.NoError(err)
}

func (s *MemoryStoreSuite) TestMetricsAggregation() {
	s.queueJob("org-a", PlanFree)
	s.queueJob("org-b", PlanFree)
	claimed, err := s.store.ClaimNext(s.ctx, "w1", 10)
	s.Require().NoError(err)
	_, err = s.store.MarkFailed(s.ctx, claimed.ID, "w1", "boom")
	s.Require().NoError(err)

	m, err := s.store.Metrics(s.ctx)
	s.Require().NoError(err)
	s.Equal(int64(2), m.Depth[StateQueued])
	s.Equal(int64(0), m.Depth[StatePreparing])
	// One failed attempt, zero seals: failure rate for the tier is 1.
	s.InDelta(1.0, m.FailureRate[PlanFree], 0.001)
}

func TestStateMachineEdges(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateQueued, StatePreparing},
		{StateQueued, StateCanceled},
		{StatePreparing, StateReady},
		{StatePreparing, StateFailed},
		{StatePreparing, StateQueued},
		{StatePreparing, StateCanceled},
		{StateReady, StateExpired},
		{StateFailed, StateExpired},
	}
	for _, edge := range legal {
		if !CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s to be legal", edge.from, edge.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateQueued, StateReady},
		{StateReady, StateQueued},
		{StateFailed, StateQueued},
		{StateExpired, StateQueued},
		{StateCanceled, StatePreparing},
		{StateReady, StateCanceled},
	}
	for _, edge := range illegal {
		if CanTransition(edge.from, edge.to) {
			t.Errorf("expected %s -> %s to be illegal", edge.from, edge.to)
		}
	}
}

func TestRetentionWindows(t *testing.T) {
	cases := map[PlanTier]int{
		PlanFree:       30,
		PlanStarter:    90,
		PlanBusiness:   365,
		PlanEnterprise: 730,
		PlanTier("??"): 30,
	}
	for tier, want := range cases {
		if got := tier.RetentionDays(); got != want {
			t.Errorf("tier %s: got %d days, want %d", tier, got, want)
		}
	}
}
