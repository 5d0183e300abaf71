//go:build integration

package containers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// schema mirrors the "Expected schema" doc comments on the PostgresStore
// types. Integration tests apply it once per container; production deploys
// own their migrations.
const schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id              UUID PRIMARY KEY,
    seq             BIGSERIAL UNIQUE,
    org_id          TEXT NOT NULL,
    actor_id        TEXT,
    event_name      TEXT NOT NULL,
    category        TEXT NOT NULL,
    severity        TEXT NOT NULL,
    outcome         TEXT NOT NULL,
    target_type     TEXT,
    target_id       TEXT,
    job_id          TEXT,
    idempotency_key TEXT,
    metadata        JSONB NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_entries_org_created ON ledger_entries (org_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_entries_idem
    ON ledger_entries (org_id, COALESCE(actor_id, ''), event_name, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key              TEXT NOT NULL,
    org_id           TEXT NOT NULL,
    actor_id         TEXT NOT NULL,
    endpoint         TEXT NOT NULL,
    response_status  INT NOT NULL,
    response_body    BYTEA NOT NULL,
    response_headers JSONB NOT NULL DEFAULT '{}',
    payload_hash     TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    expires_at       TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (key, org_id, actor_id, endpoint)
);

CREATE TABLE IF NOT EXISTS export_jobs (
    id                 UUID PRIMARY KEY,
    org_id             TEXT NOT NULL,
    state              TEXT NOT NULL DEFAULT 'queued',
    requested_by       TEXT NOT NULL,
    request_id         TEXT,
    plan               TEXT NOT NULL DEFAULT 'free',
    verification_token UUID NOT NULL UNIQUE,
    failure_count      INT NOT NULL DEFAULT 0,
    last_error         TEXT,
    worker_id          TEXT,
    payload            BYTEA,
    payload_hash       TEXT,
    manifest_digest    TEXT,
    entry_count        BIGINT NOT NULL DEFAULT 0,
    content_type       TEXT,
    requested_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    claimed_at         TIMESTAMPTZ,
    completed_at       TIMESTAMPTZ,
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS export_jobs_claim ON export_jobs (state, requested_at);
CREATE INDEX IF NOT EXISTS export_jobs_org ON export_jobs (org_id, requested_at);

CREATE TABLE IF NOT EXISTS ledger_roots (
    id             UUID PRIMARY KEY,
    org_id         TEXT NOT NULL,
    root_date      DATE NOT NULL,
    merkle_root    TEXT NOT NULL,
    event_count    BIGINT NOT NULL,
    first_entry_id UUID NOT NULL,
    last_entry_id  UUID NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (org_id, root_date)
);
`

// PostgresContainer wraps a testcontainers PostgreSQL instance with the
// application schema already applied.
type PostgresContainer struct {
	Container testcontainers.Container
	DSN       string
	DB        *sql.DB
}

// NewPostgresContainer starts a PostgreSQL container and applies the schema.
func NewPostgresContainer(t *testing.T) *PostgresContainer {
	t.Helper()

	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("girder_test"),
		tcpostgres.WithUsername("girder"),
		tcpostgres.WithPassword("girder"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get postgres connection string: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to open postgres connection: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to ping postgres: %v", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		_ = container.Terminate(ctx)
		t.Fatalf("failed to apply schema: %v", err)
	}

	// No t.Cleanup here: the container is shared through the singleton
	// Manager and Ryuk reaps it after the run.

	return &PostgresContainer{
		Container: container,
		DSN:       dsn,
		DB:        db,
	}
}

// TruncateTables empties the given tables and resets their sequences.
// Use between tests to ensure isolation.
func (p *PostgresContainer) TruncateTables(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}
	stmt := fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", strings.Join(tables, ", "))
	if _, err := p.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}
