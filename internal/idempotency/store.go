package idempotency

import (
	"context"
	"time"
)

// Store persists idempotency records.
type Store interface {
	// Get returns the live record for a scope, or (nil, nil) when the scope
	// is unknown or the record has expired.
	Get(ctx context.Context, scope Scope) (*Record, error)

	// Put stores the record for a scope. First writer wins: a concurrent
	// duplicate insert is ignored so the original response stays canonical.
	// Participates in a surrounding SQL transaction when one is in ctx.
	Put(ctx context.Context, record *Record) error

	// Cleanup removes records that expired before the given time. Runs from a
	// background sweep, never from the request path.
	Cleanup(ctx context.Context, before time.Time) error
}
