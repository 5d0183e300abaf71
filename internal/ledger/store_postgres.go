package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	dErrors "girder/pkg/domain-errors"
	txcontext "girder/pkg/platform/tx"
)

// ErrDuplicateKey reports that another transaction already appended an entry
// under the same (org, actor, event, idempotency key) scope. The caller's
// transaction rolls back; the winner's entry is read back as the replay
// result.
var ErrDuplicateKey = errors.New("idempotency key already recorded on the ledger")

// PostgresStore is the durable ledger implementation.
//
// Expected schema:
//
//	CREATE TABLE ledger_entries (
//	    id              UUID PRIMARY KEY,
//	    seq             BIGSERIAL UNIQUE,
//	    org_id          TEXT NOT NULL,
//	    actor_id        TEXT,
//	    event_name      TEXT NOT NULL,
//	    category        TEXT NOT NULL,
//	    severity        TEXT NOT NULL,
//	    outcome         TEXT NOT NULL,
//	    target_type     TEXT,
//	    target_id       TEXT,
//	    job_id          TEXT,
//	    idempotency_key TEXT,
//	    metadata        JSONB NOT NULL DEFAULT '{}',
//	    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX ledger_entries_org_created ON ledger_entries (org_id, created_at);
//	CREATE UNIQUE INDEX ledger_entries_idem
//	    ON ledger_entries (org_id, COALESCE(actor_id, ''), event_name, idempotency_key)
//	    WHERE idempotency_key IS NOT NULL;
//
// The application role has INSERT and SELECT only; UPDATE and DELETE are not
// granted, and no store method issues them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed ledger store.
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

const entryColumns = `id, seq, org_id, actor_id, event_name, category, severity, outcome,
	target_type, target_id, job_id, metadata, created_at`

// Append inserts one entry. It runs inside the caller's transaction when one
// is present in ctx, which is how the command runner makes mutate-and-append
// atomic.
func (s *PostgresStore) Append(ctx context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}

	entry.ID = uuid.NewString()
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}
	metaJSON, err := json.Marshal(entry.Metadata)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "marshal ledger metadata")
	}

	var idemKey sql.NullString
	if k, ok := entry.Metadata[MetadataKeyIdempotency].(string); ok && k != "" {
		idemKey = sql.NullString{String: k, Valid: true}
	}

	query := `
		INSERT INTO ledger_entries (
			id, org_id, actor_id, event_name, category, severity, outcome,
			target_type, target_id, job_id, idempotency_key, metadata
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7,
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), $11, $12)
		RETURNING seq, created_at
	`
	err = s.querier(ctx).QueryRowContext(ctx, query,
		entry.ID,
		entry.OrgID,
		entry.ActorID,
		string(entry.EventName),
		string(entry.Category),
		string(entry.Severity),
		string(entry.Outcome),
		entry.TargetType,
		entry.TargetID,
		entry.JobID,
		idemKey,
		metaJSON,
	).Scan(&entry.Seq, &entry.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "ledger_entries_idem" {
			return ErrDuplicateKey
		}
		return dErrors.Wrap(err, dErrors.CodeLedgerWriteFailed, "insert ledger entry")
	}
	return nil
}

// GetByID fetches one entry scoped to an organization.
func (s *PostgresStore) GetByID(ctx context.Context, orgID, id string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE org_id = $1 AND id = $2`
	entry, err := scanEntry(s.querier(ctx).QueryRowContext(ctx, query, orgID, id))
	if err == sql.ErrNoRows {
		return nil, dErrors.New(dErrors.CodeNotFound, "ledger entry not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger entry: %w", err)
	}
	return entry, nil
}

// FindByIdempotencyKey returns the entry recorded under key, scoped to org,
// actor, and event name. Returns (nil, nil) on miss.
func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, orgID, actorID string, event EventName, key string) (*Entry, error) {
	// An actorless command stores actor_id as NULL, so the lookup has to
	// match NULL-to-NULL rather than compare with the empty string.
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE org_id = $1 AND actor_id IS NOT DISTINCT FROM NULLIF($2, '')
		  AND event_name = $3 AND idempotency_key = $4
		ORDER BY seq ASC
		LIMIT 1
	`
	entry, err := scanEntry(s.querier(ctx).QueryRowContext(ctx, query, orgID, actorID, string(event), key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry by idempotency key: %w", err)
	}
	return entry, nil
}

// ListWindow returns entries for one organization inside [from, to) ordered by
// sequence.
func (s *PostgresStore) ListWindow(ctx context.Context, orgID string, from, to time.Time) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE org_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY seq ASC
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger window: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListRecent returns the newest entries for an organization.
func (s *PostgresStore) ListRecent(ctx context.Context, orgID string, limit int) ([]*Entry, error) {
	query := `
		SELECT ` + entryColumns + `
		FROM ledger_entries
		WHERE org_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent ledger entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count aggregates entries matching the filter for one organization.
func (s *PostgresStore) Count(ctx context.Context, orgID string, f Filter) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM ledger_entries
		WHERE org_id = $1
		  AND ($2 = '' OR category = $2)
		  AND ($3 = '' OR outcome = $3)
		  AND ($4 = '' OR event_name LIKE $4 || '%')
		  AND created_at >= $5
	`
	since := f.Since
	if since.IsZero() {
		since = time.Unix(0, 0).UTC()
	}
	var count int64
	err := s.querier(ctx).QueryRowContext(ctx, query,
		orgID, string(f.Category), string(f.Outcome), f.EventPrefix, since,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count ledger entries: %w", err)
	}
	return count, nil
}

// OrganizationsInWindow lists organizations that produced entries in [from, to).
func (s *PostgresStore) OrganizationsInWindow(ctx context.Context, from, to time.Time) ([]string, error) {
	query := `
		SELECT DISTINCT org_id FROM ledger_entries
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY org_id
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger organizations: %w", err)
	}
	defer rows.Close()

	var orgs []string
	for rows.Next() {
		var org string
		if err := rows.Scan(&org); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate organizations: %w", err)
	}
	return orgs, nil
}

func validate(entry *Entry) error {
	if entry.OrgID == "" {
		return dErrors.New(dErrors.CodeBadRequest, "ledger entry requires org_id")
	}
	if entry.EventName == "" {
		return dErrors.New(dErrors.CodeBadRequest, "ledger entry requires event_name")
	}
	if entry.Category == "" {
		entry.Category = entry.EventName.Category()
	}
	if !entry.Category.Valid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "invalid ledger category %q", entry.Category)
	}
	if !entry.Severity.Valid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "invalid ledger severity %q", entry.Severity)
	}
	if !entry.Outcome.Valid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "invalid ledger outcome %q", entry.Outcome)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		entry                       Entry
		actorID                     sql.NullString
		targetType, targetID, jobID sql.NullString
		metaJSON                    []byte
	)
	err := row.Scan(
		&entry.ID,
		&entry.Seq,
		&entry.OrgID,
		&actorID,
		&entry.EventName,
		&entry.Category,
		&entry.Severity,
		&entry.Outcome,
		&targetType,
		&targetID,
		&jobID,
		&metaJSON,
		&entry.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	entry.ActorID = actorID.String
	entry.TargetType = targetType.String
	entry.TargetID = targetID.String
	entry.JobID = jobID.String
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &entry.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt ledger metadata: %w", err)
		}
	}
	return &entry, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return entries, nil
}
