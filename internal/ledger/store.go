package ledger

import (
	"context"
	"time"
)

// Store persists ledger entries. The interface deliberately has no update or
// delete: immutability is enforced by construction, with the daily Merkle
// roots providing cryptographic tamper evidence on top.
type Store interface {
	// Append writes one entry and fills in ID, Seq, and CreatedAt.
	// Implementations participate in a surrounding SQL transaction when one
	// is present in ctx.
	Append(ctx context.Context, entry *Entry) error

	// GetByID fetches one entry scoped to an organization.
	GetByID(ctx context.Context, orgID, id string) (*Entry, error)

	// FindByIdempotencyKey returns the entry a previous invocation of the
	// same command recorded under key, scoped to org, actor, and event name.
	// Returns (nil, nil) on miss.
	FindByIdempotencyKey(ctx context.Context, orgID, actorID string, event EventName, key string) (*Entry, error)

	// ListWindow returns all entries for one organization inside [from, to),
	// ordered by sequence. This is the fold input for daily roots.
	ListWindow(ctx context.Context, orgID string, from, to time.Time) ([]*Entry, error)

	// ListRecent returns the most recent entries for an organization, newest
	// first.
	ListRecent(ctx context.Context, orgID string, limit int) ([]*Entry, error)

	// Count aggregates entries matching the filter for one organization.
	Count(ctx context.Context, orgID string, f Filter) (int64, error)

	// OrganizationsInWindow lists the organizations that produced at least one
	// entry inside [from, to). Drives the anchor worker's per-org batches.
	OrganizationsInWindow(ctx context.Context, from, to time.Time) ([]string, error)
}
