package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"girder/pkg/requestcontext"
	txcontext "girder/pkg/platform/tx"
)

// PostgresStore is the durable idempotency store.
//
// Expected schema:
//
//	CREATE TABLE idempotency_keys (
//	    key              TEXT NOT NULL,
//	    org_id           TEXT NOT NULL,
//	    actor_id         TEXT NOT NULL,
//	    endpoint         TEXT NOT NULL,
//	    response_status  INT NOT NULL,
//	    response_body    BYTEA NOT NULL,
//	    response_headers JSONB NOT NULL DEFAULT '{}',
//	    payload_hash     TEXT NOT NULL DEFAULT '',
//	    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    expires_at       TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (key, org_id, actor_id, endpoint)
//	);
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgres creates a PostgreSQL-backed idempotency store.
func NewPostgres(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl}
}

type dbQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) querier(ctx context.Context) dbQuerier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// Get returns the live record for a scope, filtering expired rows by time.
func (s *PostgresStore) Get(ctx context.Context, scope Scope) (*Record, error) {
	query := `
		SELECT response_status, response_body, response_headers, payload_hash, created_at, expires_at
		FROM idempotency_keys
		WHERE key = $1 AND org_id = $2 AND actor_id = $3 AND endpoint = $4 AND expires_at > $5
	`
	record := &Record{Scope: scope}
	var headersJSON []byte
	err := s.querier(ctx).QueryRowContext(ctx, query,
		scope.Key, scope.OrgID, scope.ActorID, scope.Endpoint, requestcontext.Now(ctx),
	).Scan(
		&record.ResponseStatus,
		&record.ResponseBody,
		&headersJSON,
		&record.PayloadHash,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &record.ResponseHeaders); err != nil {
			return nil, fmt.Errorf("corrupt idempotency headers: %w", err)
		}
	}
	return record, nil
}

// Put stores the record; a concurrent duplicate insert is a no-op so the first
// completed request stays canonical.
func (s *PostgresStore) Put(ctx context.Context, record *Record) error {
	now := requestcontext.Now(ctx)
	record.CreatedAt = now
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.ttl)
	}
	headersJSON, err := json.Marshal(record.ResponseHeaders)
	if err != nil {
		return fmt.Errorf("marshal idempotency headers: %w", err)
	}

	query := `
		INSERT INTO idempotency_keys (
			key, org_id, actor_id, endpoint,
			response_status, response_body, response_headers, payload_hash,
			created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (key, org_id, actor_id, endpoint) DO NOTHING
	`
	_, err = s.querier(ctx).ExecContext(ctx, query,
		record.Key, record.OrgID, record.ActorID, record.Endpoint,
		record.ResponseStatus, record.ResponseBody, headersJSON, record.PayloadHash,
		record.CreatedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	return nil
}

// Cleanup removes rows that expired before the given time.
func (s *PostgresStore) Cleanup(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < $1`, before)
	if err != nil {
		return fmt.Errorf("cleanup idempotency records: %w", err)
	}
	return nil
}
