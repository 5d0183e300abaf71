package anchor

import (
	"context"
	"time"
)

// Store persists daily ledger roots.
type Store interface {
	// Put inserts a root. A root already present for (org, date) is left
	// untouched and inserted reports false, which makes worker reruns
	// idempotent.
	Put(ctx context.Context, root *LedgerRoot) (inserted bool, err error)

	// GetByOrgDate returns the root for an organization and UTC day, or
	// (nil, nil) when none was anchored.
	GetByOrgDate(ctx context.Context, orgID string, date time.Time) (*LedgerRoot, error)

	// ListByOrg returns an organization's roots, newest day first.
	ListByOrg(ctx context.Context, orgID string, limit int) ([]*LedgerRoot, error)
}
