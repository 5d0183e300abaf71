package export

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	dErrors "girder/pkg/domain-errors"
	txcontext "girder/pkg/platform/tx"
)

// PostgresStore is the durable export queue shared by all server instances.
//
// Expected schema:
//
//	CREATE TABLE export_jobs (
//	    id                 UUID PRIMARY KEY,
//	    org_id             TEXT NOT NULL,
//	    state              TEXT NOT NULL DEFAULT 'queued',
//	    requested_by       TEXT NOT NULL,
//	    request_id         TEXT,
//	    plan               TEXT NOT NULL DEFAULT 'free',
//	    verification_token UUID NOT NULL UNIQUE,
//	    failure_count      INT NOT NULL DEFAULT 0,
//	    last_error         TEXT,
//	    worker_id          TEXT,
//	    payload            BYTEA,
//	    payload_hash       TEXT,
//	    manifest_digest    TEXT,
//	    entry_count        BIGINT NOT NULL DEFAULT 0,
//	    content_type       TEXT,
//	    requested_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    claimed_at         TIMESTAMPTZ,
//	    completed_at       TIMESTAMPTZ,
//	    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX export_jobs_claim ON export_jobs (state, requested_at);
//	CREATE INDEX export_jobs_org ON export_jobs (org_id, requested_at);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed export store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) dbQuerier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const jobColumns = `id, org_id, state, requested_by, request_id, plan, verification_token,
	failure_count, last_error, worker_id, payload_hash, manifest_digest, entry_count,
	content_type, requested_at, claimed_at, completed_at, updated_at`

// Create inserts a queued job, assigning ID and verification token.
func (s *PostgresStore) Create(ctx context.Context, job *Job) error {
	if job.OrgID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "export job requires org_id")
	}
	if job.Plan == "" {
		job.Plan = PlanFree
	}
	job.ID = uuid.NewString()
	job.State = StateQueued
	job.VerificationToken = uuid.NewString()

	query := `
		INSERT INTO export_jobs (id, org_id, state, requested_by, request_id, plan, verification_token)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING requested_at, updated_at
	`
	err := s.querier(ctx).QueryRowContext(ctx, query,
		job.ID, job.OrgID, string(job.State), job.RequestedBy, job.RequestID,
		string(job.Plan), job.VerificationToken,
	).Scan(&job.RequestedAt, &job.UpdatedAt)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "insert export job")
	}
	return nil
}

// GetByID fetches one job scoped to an organization.
func (s *PostgresStore) GetByID(ctx context.Context, orgID, id string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE org_id = $1 AND id = $2`
	job, err := scanJob(s.querier(ctx).QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	return job, nil
}

// GetByToken fetches one job by verification token, or (nil, nil).
func (s *PostgresStore) GetByToken(ctx context.Context, token string) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM export_jobs WHERE verification_token = $1`
	job, err := scanJob(s.querier(ctx).QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get export job by token: %w", err)
	}
	return job, nil
}

// ClaimNext claims the oldest eligible queued job for workerID. The SELECT
// takes a row lock and skips rows other workers already hold, so two
// concurrent claims can never land on the same job. The per-org cap is
// enforced under an advisory lock on the candidate's org: racing claims for
// the same org serialize there, and the recount sees every committed claim.
func (s *PostgresStore) ClaimNext(ctx context.Context, workerID string, maxPerOrg int) (*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "begin claim transaction")
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `
		SELECT id, org_id FROM export_jobs j
		WHERE j.state = 'queued'
		  AND (
		      SELECT COUNT(*) FROM export_jobs p
		      WHERE p.org_id = j.org_id AND p.state = 'preparing'
		  ) < $1
		ORDER BY j.requested_at ASC
		FOR UPDATE OF j SKIP LOCKED
		LIMIT 1
	`
	var id, orgID string
	err = tx.QueryRowContext(ctx, selectQuery, maxPerOrg).Scan(&id, &orgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable export job: %w", err)
	}

	// Held until commit. Racing transactions counted the same org before
	// either of them moved a job to preparing; only one passes the recount.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('export_claim:' || $1))`, orgID,
	); err != nil {
		return nil, fmt.Errorf("lock export claims for org: %w", err)
	}
	var preparing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM export_jobs WHERE org_id = $1 AND state = 'preparing'`, orgID,
	).Scan(&preparing); err != nil {
		return nil, fmt.Errorf("recount preparing export jobs: %w", err)
	}
	if preparing >= maxPerOrg {
		// The org filled up while this claim was in flight. The job stays
		// queued for a later poll.
		return nil, nil
	}

	updateQuery := `
		UPDATE export_jobs
		SET state = 'preparing', worker_id = $2, claimed_at = now(), updated_at = now()
		WHERE id = $1
		RETURNING ` + jobColumns
	job, err := scanJob(tx.QueryRowContext(ctx, updateQuery, id, workerID))
	if err != nil {
		return nil, fmt.Errorf("claim export job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "commit claim transaction")
	}
	return job, nil
}

// MarkReady seals the job. Conditional on the row still being prepared by
// workerID: if a cancel or requeue intervened, zero rows match and the result
// of this build attempt is discarded. CompletedAt comes from the caller
// because the manifest digest already folded it in.
func (s *PostgresStore) MarkReady(ctx context.Context, job *Job, payload []byte) error {
	query := `
		UPDATE export_jobs
		SET state = 'ready', payload = $3, payload_hash = $4, manifest_digest = $5,
		    entry_count = $6, content_type = $7, last_error = NULL,
		    completed_at = $8, updated_at = now()
		WHERE id = $1 AND state = 'preparing' AND worker_id = $2
		RETURNING updated_at
	`
	err := s.querier(ctx).QueryRowContext(ctx, query,
		job.ID, job.WorkerID, payload, job.PayloadHash, job.ManifestDigest,
		job.EntryCount, job.ContentType, job.CompletedAt,
	).Scan(&job.UpdatedAt)
	if err == sql.ErrNoRows {
		return dErrors.New(dErrors.CodeConflict, "export job no longer held by this worker")
	}
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "seal export job")
	}
	job.State = StateReady
	return nil
}

// MarkFailed records a failed attempt. The CASE keeps the increment and the
// poison-pill decision in one statement so concurrent sweeps see a consistent
// row.
func (s *PostgresStore) MarkFailed(ctx context.Context, id, workerID, reason string) (*Job, error) {
	query := `
		UPDATE export_jobs
		SET failure_count = failure_count + 1,
		    state = CASE WHEN failure_count + 1 >= $4 THEN 'failed' ELSE 'queued' END,
		    completed_at = CASE WHEN failure_count + 1 >= $4 THEN now() ELSE completed_at END,
		    last_error = $3, worker_id = NULL, updated_at = now()
		WHERE id = $1 AND state = 'preparing' AND worker_id = $2
		RETURNING ` + jobColumns
	job, err := scanJob(s.querier(ctx).QueryRowContext(ctx, query, id, workerID, reason, MaxFailures))
	if err == sql.ErrNoRows {
		return nil, dErrors.New(dErrors.CodeConflict, "export job no longer held by this worker")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record export failure")
	}
	return job, nil
}

// Cancel transitions a non-terminal job to canceled.
func (s *PostgresStore) Cancel(ctx context.Context, orgID, id string) error {
	query := `
		UPDATE export_jobs
		SET state = 'canceled', worker_id = NULL, completed_at = now(), updated_at = now()
		WHERE org_id = $1 AND id = $2 AND state IN ('queued', 'preparing')
	`
	result, err := s.querier(ctx).ExecContext(ctx, query, orgID, id)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "cancel export job")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "cancel export job")
	}
	if affected == 0 {
		return dErrors.New(dErrors.CodeConflict, "export job is not cancelable")
	}
	return nil
}

// Payload returns the sealed bytes of a ready job.
func (s *PostgresStore) Payload(ctx context.Context, orgID, id string) ([]byte, string, error) {
	query := `SELECT state, payload, content_type FROM export_jobs WHERE org_id = $1 AND id = $2`
	var (
		state       State
		payload     []byte
		contentType sql.NullString
	)
	err := s.querier(ctx).QueryRowContext(ctx, query, orgID, id).Scan(&state, &payload, &contentType)
	if err == sql.ErrNoRows {
		return nil, "", dErrors.New(dErrors.CodeNotFound, "export job not found")
	}
	if err != nil {
		return nil, "", fmt.Errorf("load export payload: %w", err)
	}
	if err := downloadableErr(state); err != nil {
		return nil, "", err
	}
	return payload, contentType.String, nil
}

// downloadableErr maps a non-ready state to its download error. Shared with
// the memory store so both surfaces agree.
func downloadableErr(state State) error {
	switch state {
	case StateReady:
		return nil
	case StateExpired:
		return dErrors.New(dErrors.CodeGone, "export pack has expired")
	case StateFailed:
		return dErrors.New(dErrors.CodeExportPoisoned, "export failed permanently")
	case StateCanceled:
		return dErrors.New(dErrors.CodeGone, "export was canceled")
	default:
		return dErrors.New(dErrors.CodeExportNotReady, "export is not ready yet")
	}
}

// RequeueStuck returns preparing jobs claimed before cutoff to queued.
func (s *PostgresStore) RequeueStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE export_jobs
		SET state = 'queued', worker_id = NULL, updated_at = now()
		WHERE state = 'preparing' AND claimed_at < $1
	`
	result, err := s.querier(ctx).ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "requeue stuck export jobs")
	}
	return result.RowsAffected()
}

// ExpireOld ages out ready and failed jobs past their plan's retention
// window, one tier at a time, and drops their payloads.
func (s *PostgresStore) ExpireOld(ctx context.Context, now time.Time) ([]*Job, error) {
	var expired []*Job
	for _, tier := range PlanTiers {
		cutoff := now.AddDate(0, 0, -tier.RetentionDays())
		query := `
			UPDATE export_jobs
			SET state = 'expired', payload = NULL, updated_at = now()
			WHERE plan = $1 AND state IN ('ready', 'failed') AND completed_at < $2
			RETURNING ` + jobColumns
		rows, err := s.querier(ctx).QueryContext(ctx, query, string(tier), cutoff)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "expire export jobs")
		}
		jobs, err := scanJobs(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		expired = append(expired, jobs...)
	}
	return expired, nil
}

// Metrics aggregates queue depth, mean time-in-state, and failure rate.
func (s *PostgresStore) Metrics(ctx context.Context) (*QueueMetrics, error) {
	m := &QueueMetrics{
		Depth:             map[State]int64{},
		AvgSecondsInState: map[State]float64{},
		FailureRate:       map[PlanTier]float64{},
	}

	stateQuery := `
		SELECT state, COUNT(*), AVG(EXTRACT(EPOCH FROM now() - updated_at))
		FROM export_jobs
		GROUP BY state
	`
	rows, err := s.querier(ctx).QueryContext(ctx, stateQuery)
	if err != nil {
		return nil, fmt.Errorf("aggregate export states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state State
			count int64
			avg   sql.NullFloat64
		)
		if err := rows.Scan(&state, &count, &avg); err != nil {
			return nil, fmt.Errorf("scan export state aggregate: %w", err)
		}
		m.Depth[state] = count
		m.AvgSecondsInState[state] = avg.Float64
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export state aggregates: %w", err)
	}

	// Attempts = successful seals (one per ready job) + every recorded failure.
	failureQuery := `
		SELECT plan,
		       SUM(failure_count),
		       SUM(failure_count) + COUNT(*) FILTER (WHERE state = 'ready')
		FROM export_jobs
		GROUP BY plan
	`
	frows, err := s.querier(ctx).QueryContext(ctx, failureQuery)
	if err != nil {
		return nil, fmt.Errorf("aggregate export failures: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var (
			plan              PlanTier
			failures, entries sql.NullInt64
		)
		if err := frows.Scan(&plan, &failures, &entries); err != nil {
			return nil, fmt.Errorf("scan export failure aggregate: %w", err)
		}
		if entries.Int64 > 0 {
			m.FailureRate[plan] = float64(failures.Int64) / float64(entries.Int64)
		}
	}
	if err := frows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export failure aggregates: %w", err)
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                         Job
		requestedBy, requestID      sql.NullString
		lastError, workerID         sql.NullString
		payloadHash, manifestDigest sql.NullString
		contentType                 sql.NullString
		claimedAt, completedAt      sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&job.OrgID,
		&job.State,
		&requestedBy,
		&requestID,
		&job.Plan,
		&job.VerificationToken,
		&job.FailureCount,
		&lastError,
		&workerID,
		&payloadHash,
		&manifestDigest,
		&job.EntryCount,
		&contentType,
		&job.RequestedAt,
		&claimedAt,
		&completedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.RequestedBy = requestedBy.String
	job.RequestID = requestID.String
	job.LastError = lastError.String
	job.WorkerID = workerID.String
	job.PayloadHash = payloadHash.String
	job.ManifestDigest = manifestDigest.String
	job.ContentType = contentType.String
	job.ClaimedAt = claimedAt.Time
	job.CompletedAt = completedAt.Time
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate export jobs: %w", err)
	}
	return jobs, nil
}
