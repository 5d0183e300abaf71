// Package export runs the audit-pack export queue: multiple server instances
// poll a shared table, claim jobs exclusively, build the payload through an
// external builder, and seal the result with a verifiable hash.
package export

import (
	"time"

	"girder/internal/hashchain"
)

// State is the export job lifecycle state. The set is closed; transitions go
// through CanTransition.
type State string

const (
	StateQueued    State = "queued"
	StatePreparing State = "preparing"
	StateReady     State = "ready"
	StateFailed    State = "failed"
	StateExpired   State = "expired"
	StateCanceled  State = "canceled"
)

// Valid reports whether s is a member of the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StatePreparing, StateReady, StateFailed, StateExpired, StateCanceled:
		return true
	}
	return false
}

// Terminal reports whether no further worker transition applies. Ready and
// failed jobs still expire through the retention sweep.
func (s State) Terminal() bool {
	switch s {
	case StateReady, StateFailed, StateExpired, StateCanceled:
		return true
	}
	return false
}

// transitions enumerates every legal state change. Cancel is listed from both
// non-terminal states; retention and stuck-recovery edges are sweep-only.
var transitions = map[State][]State{
	StateQueued:    {StatePreparing, StateCanceled},
	StatePreparing: {StateReady, StateFailed, StateQueued, StateCanceled},
	StateReady:     {StateExpired},
	StateFailed:    {StateExpired},
}

// CanTransition reports whether from → to is a legal state change.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// MaxFailures is the poison-pill threshold: a job failing this many times
// moves to failed permanently and is never claimed again.
const MaxFailures = 3

// PlanTier determines how long a finished export stays downloadable.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// RetentionDays returns the plan's retention window for ready and failed
// jobs. Unknown tiers get the shortest window.
func (p PlanTier) RetentionDays() int {
	switch p {
	case PlanStarter:
		return 90
	case PlanBusiness:
		return 365
	case PlanEnterprise:
		return 730
	default:
		return 30
	}
}

// PlanTiers lists every tier, shortest retention first. Used by the sweeper.
var PlanTiers = []PlanTier{PlanFree, PlanStarter, PlanBusiness, PlanEnterprise}

// Job is one export request moving through the queue.
type Job struct {
	ID    string
	OrgID string
	State State

	// RequestedBy is the actor who created the job; RequestID correlates it
	// back to the originating HTTP request.
	RequestedBy string
	RequestID   string

	Plan PlanTier

	// VerificationToken is the public capability for GET /verify/{token}.
	// Generated at creation, unique, never rotated.
	VerificationToken string

	FailureCount int
	LastError    string

	// WorkerID identifies the instance currently preparing the job.
	WorkerID string

	// Sealed on MarkReady.
	PayloadHash    string
	ManifestDigest string
	EntryCount     int64
	ContentType    string

	RequestedAt time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the job's retention window has elapsed at now.
// Only ready and failed jobs age out.
func (j *Job) Expired(now time.Time) bool {
	if j.State != StateReady && j.State != StateFailed {
		return false
	}
	if j.CompletedAt.IsZero() {
		return false
	}
	cutoff := j.CompletedAt.AddDate(0, 0, j.Plan.RetentionDays())
	return !now.Before(cutoff)
}

// Manifest builds the document sealed into a job's verification hash. Sealing
// and verification both call this function: the construction order below IS
// the canonical order, so the two sides can never disagree on it.
func Manifest(job *Job, generatedAt time.Time) *hashchain.Document {
	return hashchain.NewDocument().
		Set("export_id", job.ID).
		Set("organization_id", job.OrgID).
		Set("requested_by", job.RequestedBy).
		Set("plan", string(job.Plan)).
		Set("generated_at", generatedAt.UTC().Format(time.RFC3339)).
		Set("payload_hash", job.PayloadHash).
		Set("entry_count", job.EntryCount)
}

// QueueMetrics is the read-only aggregation served by GET /exports/metrics.
type QueueMetrics struct {
	// Depth is the number of jobs currently in each state.
	Depth map[State]int64 `json:"depth"`

	// AvgSecondsInState is the mean age of jobs in each state, measured from
	// their last transition.
	AvgSecondsInState map[State]float64 `json:"avg_seconds_in_state"`

	// FailureRate is failed attempts over total attempts, per plan tier.
	FailureRate map[PlanTier]float64 `json:"failure_rate"`
}
