package export

import (
	"context"
	"time"
)

// Store persists export jobs and implements the claim protocol. Claim
// exclusivity lives entirely at the storage layer; no in-process lock is
// involved, so any number of server instances can share one queue.
type Store interface {
	// Create inserts a new queued job. Participates in a surrounding SQL
	// transaction when one is in ctx.
	Create(ctx context.Context, job *Job) error

	// GetByID fetches one job scoped to an organization.
	GetByID(ctx context.Context, orgID, id string) (*Job, error)

	// GetByToken fetches one job by its public verification token, across
	// organizations. Returns (nil, nil) for an unknown token.
	GetByToken(ctx context.Context, token string) (*Job, error)

	// ClaimNext atomically claims the oldest queued job whose organization is
	// under the in-flight cap, moving it to preparing for workerID. Returns
	// (nil, nil) when nothing is claimable; contention is not an error.
	ClaimNext(ctx context.Context, workerID string, maxPerOrg int) (*Job, error)

	// MarkReady seals a prepared job: payload, hashes, entry count. Fails
	// with a conflict if the job is no longer preparing for workerID, which
	// happens when a cancel or stuck-job requeue won the race.
	MarkReady(ctx context.Context, job *Job, payload []byte) error

	// MarkFailed records a failed attempt: failure_count increments, the job
	// requeues below MaxFailures and becomes failed (poison pill) at it. The
	// returned job reflects the post-transition row.
	MarkFailed(ctx context.Context, id, workerID, reason string) (*Job, error)

	// Cancel transitions a job out of any non-terminal state. A job already
	// being prepared keeps running until its worker reports; the worker's
	// MarkReady/MarkFailed then lands on a canceled row and is dropped.
	Cancel(ctx context.Context, orgID, id string) error

	// Payload returns the sealed bytes for a ready job.
	Payload(ctx context.Context, orgID, id string) ([]byte, string, error)

	// RequeueStuck returns preparing jobs claimed before cutoff to queued,
	// clearing their worker. Covers workers that died mid-build. Returns the
	// number of requeued jobs.
	RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error)

	// ExpireOld moves ready and failed jobs past their plan's retention
	// window to expired, dropping the payload. Returns expired job rows so
	// the sweeper can ledger them.
	ExpireOld(ctx context.Context, now time.Time) ([]*Job, error)

	// Metrics aggregates queue state for the read-only metrics endpoint.
	Metrics(ctx context.Context) (*QueueMetrics, error)
}
