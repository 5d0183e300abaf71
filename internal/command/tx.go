package command

import (
	"context"
	"database/sql"
	"sync"

	dErrors "girder/pkg/domain-errors"
	txcontext "girder/pkg/platform/tx"
)

// TxRunner provides the transactional boundary a command executes in.
// Implementations wrap a database transaction or, in-memory, a coarse lock.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLTxRunner runs commands inside a single database transaction. The
// transaction is injected into ctx so every store touched by the mutation and
// the ledger append share it: either all of it commits or none of it does.
type SQLTxRunner struct {
	db *sql.DB
}

// NewSQLTxRunner creates a transaction runner over a SQL database.
func NewSQLTxRunner(db *sql.DB) *SQLTxRunner {
	return &SQLTxRunner{db: db}
}

func (r *SQLTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "begin command transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "commit command transaction")
	}
	return nil
}

// MemoryTxRunner serializes commands under one mutex. It pairs with the
// in-memory stores in unit tests, where there is no SQL transaction to share.
type MemoryTxRunner struct {
	mu sync.Mutex
}

// NewMemoryTxRunner creates an in-memory transaction runner.
func NewMemoryTxRunner() *MemoryTxRunner {
	return &MemoryTxRunner{}
}

func (r *MemoryTxRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx)
}
