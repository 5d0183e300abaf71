package export

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// MemoryStore is the in-memory twin of PostgresStore for unit tests and local
// runs. Where postgres claims through a row lock, the memory store claims
// through a mutex plus a conditional state transition, which realizes the
// optimistic-update variant of the same exclusivity guarantee.
type MemoryStore struct {
	mu       sync.Mutex
	jobs     map[string]*Job
	payloads map[string][]byte
}

// NewMemory creates an empty in-memory export store.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		jobs:     map[string]*Job{},
		payloads: map[string][]byte{},
	}
}

// Create inserts a queued job, assigning ID and verification token.
func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job.OrgID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "export job requires org_id")
	}
	if job.Plan == "" {
		job.Plan = PlanFree
	}
	job.ID = uuid.NewString()
	job.State = StateQueued
	job.VerificationToken = uuid.NewString()
	job.RequestedAt = requestcontext.Now(ctx)
	job.UpdatedAt = job.RequestedAt

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetByID fetches one job scoped to an organization.
func (s *MemoryStore) GetByID(_ context.Context, orgID, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.OrgID != orgID {
		return nil, dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	return copyJob(job), nil
}

// GetByToken fetches one job by verification token, or (nil, nil).
func (s *MemoryStore) GetByToken(_ context.Context, token string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.VerificationToken == token {
			return copyJob(job), nil
		}
	}
	return nil, nil
}

// ClaimNext claims the oldest eligible queued job. The conditional transition
// under the lock guarantees a job moves queued → preparing exactly once no
// matter how many goroutines race here.
func (s *MemoryStore) ClaimNext(ctx context.Context, workerID string, maxPerOrg int) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	preparing := map[string]int{}
	var queued []*Job
	for _, job := range s.jobs {
		switch job.State {
		case StatePreparing:
			preparing[job.OrgID]++
		case StateQueued:
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].RequestedAt.Before(queued[j].RequestedAt) })

	for _, job := range queued {
		if preparing[job.OrgID] >= maxPerOrg {
			continue
		}
		if !CanTransition(job.State, StatePreparing) {
			continue
		}
		job.State = StatePreparing
		job.WorkerID = workerID
		job.ClaimedAt = requestcontext.Now(ctx)
		job.UpdatedAt = job.ClaimedAt
		return copyJob(job), nil
	}
	return nil, nil
}

// MarkReady seals the job if it is still prepared by this worker.
func (s *MemoryStore) MarkReady(ctx context.Context, job *Job, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok || stored.State != StatePreparing || stored.WorkerID != job.WorkerID {
		return dErrors.New(dErrors.CodeConflict, "export job no longer held by this worker")
	}
	if job.CompletedAt.IsZero() {
		job.CompletedAt = requestcontext.Now(ctx)
	}
	stored.State = StateReady
	stored.PayloadHash = job.PayloadHash
	stored.ManifestDigest = job.ManifestDigest
	stored.EntryCount = job.EntryCount
	stored.ContentType = job.ContentType
	stored.LastError = ""
	stored.CompletedAt = job.CompletedAt
	stored.UpdatedAt = requestcontext.Now(ctx)
	s.payloads[job.ID] = append([]byte(nil), payload...)

	job.State = StateReady
	job.UpdatedAt = stored.UpdatedAt
	return nil
}

// MarkFailed records a failed attempt, requeueing or poisoning the job.
func (s *MemoryStore) MarkFailed(ctx context.Context, id, workerID, reason string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok || stored.State != StatePreparing || stored.WorkerID != workerID {
		return nil, dErrors.New(dErrors.CodeConflict, "export job no longer held by this worker")
	}
	stored.FailureCount++
	stored.LastError = reason
	stored.WorkerID = ""
	stored.UpdatedAt = requestcontext.Now(ctx)
	if stored.FailureCount >= MaxFailures {
		stored.State = StateFailed
		stored.CompletedAt = stored.UpdatedAt
	} else {
		stored.State = StateQueued
	}
	return copyJob(stored), nil
}

// Cancel transitions a non-terminal job to canceled.
func (s *MemoryStore) Cancel(ctx context.Context, orgID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok || stored.OrgID != orgID {
		return dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	if !CanTransition(stored.State, StateCanceled) {
		return dErrors.New(dErrors.CodeConflict, "export job is not cancelable")
	}
	stored.State = StateCanceled
	stored.WorkerID = ""
	stored.CompletedAt = requestcontext.Now(ctx)
	stored.UpdatedAt = stored.CompletedAt
	return nil
}

// Payload returns the sealed bytes of a ready job.
func (s *MemoryStore) Payload(_ context.Context, orgID, id string) ([]byte, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[id]
	if !ok || stored.OrgID != orgID {
		return nil, "", dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	if err := downloadableErr(stored.State); err != nil {
		return nil, "", err
	}
	return append([]byte(nil), s.payloads[id]...), stored.ContentType, nil
}

// RequeueStuck returns preparing jobs claimed before cutoff to queued.
func (s *MemoryStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, job := range s.jobs {
		if job.State == StatePreparing && job.ClaimedAt.Before(cutoff) {
			job.State = StateQueued
			job.WorkerID = ""
			job.UpdatedAt = requestcontext.Now(ctx)
			n++
		}
	}
	return n, nil
}

// ExpireOld ages out ready and failed jobs past their retention window.
func (s *MemoryStore) ExpireOld(ctx context.Context, now time.Time) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Job
	for _, job := range s.jobs {
		if !job.Expired(now) {
			continue
		}
		job.State = StateExpired
		job.UpdatedAt = requestcontext.Now(ctx)
		delete(s.payloads, job.ID)
		expired = append(expired, copyJob(job))
	}
	return expired, nil
}

// Metrics aggregates queue depth, mean time-in-state, and failure rate.
func (s *MemoryStore) Metrics(ctx context.Context) (*QueueMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requestcontext.Now(ctx)
	m := &QueueMetrics{
		Depth:             map[State]int64{},
		AvgSecondsInState: map[State]float64{},
		FailureRate:       map[PlanTier]float64{},
	}
	ageSum := map[State]float64{}
	failures := map[PlanTier]int64{}
	attempts := map[PlanTier]int64{}
	for _, job := range s.jobs {
		m.Depth[job.State]++
		ageSum[job.State] += now.Sub(job.UpdatedAt).Seconds()
		failures[job.Plan] += int64(job.FailureCount)
		attempts[job.Plan] += int64(job.FailureCount)
		if job.State == StateReady {
			attempts[job.Plan]++
		}
	}
	for state, count := range m.Depth {
		m.AvgSecondsInState[state] = ageSum[state] / float64(count)
	}
	for plan, total := range attempts {
		if total > 0 {
			m.FailureRate[plan] = float64(failures[plan]) / float64(total)
		}
	}
	return m, nil
}

func copyJob(j *Job) *Job {
	dup := *j
	return &dup
}
