package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"strconv"
	"time"

	"girder/internal/ledger"
	dErrors "girder/pkg/domain-errors"
)

// LedgerPackBuilder is the built-in Builder: a CSV rendition of the
// organization's full ledger history. Deployments that want branded PDF packs
// swap in the external rendering service behind the same interface.
type LedgerPackBuilder struct {
	ledger ledger.Store
}

// NewLedgerPackBuilder creates the CSV pack builder.
func NewLedgerPackBuilder(ledgerStore ledger.Store) (*LedgerPackBuilder, error) {
	if ledgerStore == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "pack builder requires a ledger store")
	}
	return &LedgerPackBuilder{ledger: ledgerStore}, nil
}

// Build renders every ledger entry for the job's organization up to now.
func (b *LedgerPackBuilder) Build(ctx context.Context, job *Job) (*Payload, error) {
	entries, err := b.ledger.ListWindow(ctx, job.OrgID, time.Unix(0, 0).UTC(), time.Now().UTC())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load ledger history")
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	header := []string{"id", "seq", "event_name", "category", "severity", "outcome", "actor_id", "target_type", "target_id", "created_at"}
	if err := w.Write(header); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "render export pack")
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			strconv.FormatInt(e.Seq, 10),
			string(e.EventName),
			string(e.Category),
			string(e.Severity),
			string(e.Outcome),
			e.ActorID,
			e.TargetType,
			e.TargetID,
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := w.Write(row); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "render export pack")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "render export pack")
	}

	return &Payload{
		Data:        buf.Bytes(),
		ContentType: "text/csv",
		EntryCount:  int64(len(entries)),
	}, nil
}
