package anchor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	dErrors "girder/pkg/domain-errors"
	txcontext "girder/pkg/platform/tx"
)

// PostgresStore is the durable root store.
//
// Expected schema:
//
//	CREATE TABLE ledger_roots (
//	    id             UUID PRIMARY KEY,
//	    org_id         TEXT NOT NULL,
//	    root_date      DATE NOT NULL,
//	    merkle_root    TEXT NOT NULL,
//	    event_count    BIGINT NOT NULL,
//	    first_entry_id UUID NOT NULL,
//	    last_entry_id  UUID NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (org_id, root_date)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres creates a PostgreSQL-backed root store.
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

const rootColumns = `id, org_id, root_date, merkle_root, event_count, first_entry_id, last_entry_id, created_at`

// Put inserts a root. The unique constraint plus DO NOTHING makes a second
// run for the same day a no-op.
func (s *PostgresStore) Put(ctx context.Context, root *LedgerRoot) (bool, error) {
	root.ID = uuid.NewString()
	query := `
		INSERT INTO ledger_roots (id, org_id, root_date, merkle_root, event_count, first_entry_id, last_entry_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, root_date) DO NOTHING
	`
	result, err := s.querier(ctx).ExecContext(ctx, query,
		root.ID, root.OrgID, root.Date, root.MerkleRoot,
		root.EventCount, root.FirstEntryID, root.LastEntryID,
	)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "insert ledger root")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "insert ledger root")
	}
	return affected > 0, nil
}

// GetByOrgDate returns the root for an organization and UTC day, or (nil, nil).
func (s *PostgresStore) GetByOrgDate(ctx context.Context, orgID string, date time.Time) (*LedgerRoot, error) {
	query := `SELECT ` + rootColumns + ` FROM ledger_roots WHERE org_id = $1 AND root_date = $2`
	root, err := scanRoot(s.querier(ctx).QueryRowContext(ctx, query, orgID, Day(date)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger root: %w", err)
	}
	return root, nil
}

// ListByOrg returns an organization's roots, newest day first.
func (s *PostgresStore) ListByOrg(ctx context.Context, orgID string, limit int) ([]*LedgerRoot, error) {
	query := `SELECT ` + rootColumns + ` FROM ledger_roots WHERE org_id = $1 ORDER BY root_date DESC LIMIT $2`
	rows, err := s.querier(ctx).QueryContext(ctx, query, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger roots: %w", err)
	}
	defer rows.Close()

	var roots []*LedgerRoot
	for rows.Next() {
		root, err := scanRoot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger root: %w", err)
		}
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger roots: %w", err)
	}
	return roots, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoot(row rowScanner) (*LedgerRoot, error) {
	var root LedgerRoot
	err := row.Scan(
		&root.ID,
		&root.OrgID,
		&root.Date,
		&root.MerkleRoot,
		&root.EventCount,
		&root.FirstEntryID,
		&root.LastEntryID,
		&root.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	root.Date = Day(root.Date)
	return &root, nil
}
