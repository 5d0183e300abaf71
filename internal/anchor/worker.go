package anchor

import (
	"context"
	"log/slog"
	"time"

	"girder/internal/hashchain"
	"girder/internal/ledger"
	dErrors "girder/pkg/domain-errors"
)

// Worker anchors the previous UTC day's ledger entries once per interval.
// Roots are keyed by (org, day), so running the worker more often than daily,
// or on several instances at once, produces no duplicates.
type Worker struct {
	ledger   ledger.Store
	roots    Store
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a ledger root worker.
func NewWorker(ledgerStore ledger.Store, roots Store, interval time.Duration, logger *slog.Logger) (*Worker, error) {
	if ledgerStore == nil || roots == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "anchor worker requires ledger and root stores")
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{ledger: ledgerStore, roots: roots, interval: interval, logger: logger}, nil
}

// Run anchors on an interval until ctx is canceled. The first pass runs
// immediately so a freshly deployed instance catches up without waiting a day.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.AnchorDay(ctx, Day(time.Now().UTC().AddDate(0, 0, -1)))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.AnchorDay(ctx, Day(time.Now().UTC().AddDate(0, 0, -1)))
		}
	}
}

// AnchorDay folds each organization's entries for one UTC day into a Merkle
// root. One organization's failure is logged and skipped; the rest of the
// batch proceeds.
func (w *Worker) AnchorDay(ctx context.Context, day time.Time) {
	day = Day(day)
	from, to := day, day.AddDate(0, 0, 1)

	orgs, err := w.ledger.OrganizationsInWindow(ctx, from, to)
	if err != nil {
		w.logger.ErrorContext(ctx, "anchor batch aborted",
			"day", day.Format("2006-01-02"),
			"error", err.Error(),
		)
		return
	}

	for _, orgID := range orgs {
		if err := w.anchorOrg(ctx, orgID, day, from, to); err != nil {
			w.logger.ErrorContext(ctx, "org anchor failed",
				"org_id", orgID,
				"day", day.Format("2006-01-02"),
				"error", err.Error(),
			)
		}
	}
}

func (w *Worker) anchorOrg(ctx context.Context, orgID string, day, from, to time.Time) error {
	entries, err := w.ledger.ListWindow(ctx, orgID, from, to)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	leaves := make([][]byte, len(entries))
	for i, entry := range entries {
		leaves[i] = EntryLeaf(entry)
	}
	rootHex, err := hashchain.MerkleRootHex(leaves)
	if err != nil {
		return err
	}

	root := &LedgerRoot{
		OrgID:        orgID,
		Date:         day,
		MerkleRoot:   rootHex,
		EventCount:   int64(len(entries)),
		FirstEntryID: entries[0].ID,
		LastEntryID:  entries[len(entries)-1].ID,
	}
	inserted, err := w.roots.Put(ctx, root)
	if err != nil {
		return err
	}
	if !inserted {
		// Rerun for an already anchored day.
		return nil
	}

	entry := &ledger.Entry{
		OrgID:     orgID,
		EventName: ledger.EventRootAnchored,
		Category:  ledger.EventRootAnchored.Category(),
		Severity:  ledger.SeverityInfo,
		Outcome:   ledger.OutcomeSuccess,
		Metadata: map[string]any{
			"day":         day.Format("2006-01-02"),
			"merkle_root": rootHex,
			"event_count": len(entries),
		},
	}
	if err := w.ledger.Append(ctx, entry); err != nil {
		w.logger.WarnContext(ctx, "anchor ledger append failed",
			"org_id", orgID,
			"error", err.Error(),
		)
	}
	w.logger.InfoContext(ctx, "day anchored",
		"org_id", orgID,
		"day", day.Format("2006-01-02"),
		"event_count", len(entries),
	)
	return nil
}

// Recompute folds the stored entries for an anchored day again and reports
// whether the result still matches the persisted root. Used by auditors and
// consistency checks.
func (w *Worker) Recompute(ctx context.Context, orgID string, day time.Time) (bool, error) {
	day = Day(day)
	root, err := w.roots.GetByOrgDate(ctx, orgID, day)
	if err != nil {
		return false, err
	}
	if root == nil {
		return false, dErrors.New(dErrors.CodeNotFound, "no root anchored for that day")
	}

	entries, err := w.ledger.ListWindow(ctx, orgID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return false, err
	}

	// Fold exactly the slice the root covers, bounded by its first and last
	// entry ids. Entries appended to the window after anchoring (possible
	// when a day is anchored before it closes) postdate the fold.
	var leaves [][]byte
	inRange := false
	for _, entry := range entries {
		if entry.ID == root.FirstEntryID {
			inRange = true
		}
		if inRange {
			leaves = append(leaves, EntryLeaf(entry))
		}
		if entry.ID == root.LastEntryID {
			break
		}
	}
	if len(leaves) == 0 {
		return false, nil
	}
	rootHex, err := hashchain.MerkleRootHex(leaves)
	if err != nil {
		return false, err
	}
	return rootHex == root.MerkleRoot, nil
}
