// Package anchor computes daily Merkle roots over the ledger. A root is a
// succinct tamper-evidence checkpoint: recomputing it from the stored entries
// and comparing against the persisted row detects retroactive modification,
// which plain append-only discipline cannot.
package anchor

import (
	"strconv"
	"strings"
	"time"

	"girder/internal/ledger"
)

// LedgerRoot is one organization's checkpoint for one UTC day. Created once,
// never mutated; (OrgID, Date) is unique.
type LedgerRoot struct {
	ID    string
	OrgID string

	// Date is the UTC day the root covers, truncated to midnight.
	Date time.Time

	MerkleRoot string
	EventCount int64

	// FirstEntryID and LastEntryID bound the contiguous seq-ordered slice the
	// root was folded from.
	FirstEntryID string
	LastEntryID  string

	CreatedAt time.Time
}

// EntryLeaf renders a ledger entry as Merkle leaf bytes. Every field that
// verification must cover appears here; recomputation reads the same stored
// columns, so the rendering round-trips exactly.
func EntryLeaf(e *ledger.Entry) []byte {
	fields := []string{
		e.ID,
		strconv.FormatInt(e.Seq, 10),
		e.OrgID,
		e.ActorID,
		string(e.EventName),
		string(e.Category),
		string(e.Severity),
		string(e.Outcome),
		e.TargetType,
		e.TargetID,
		e.JobID,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return []byte(strings.Join(fields, "\n"))
}

// Day truncates t to its UTC day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
