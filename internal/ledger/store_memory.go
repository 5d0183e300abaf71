package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	dErrors "girder/pkg/domain-errors"
	"girder/pkg/requestcontext"
)

// MemoryStore is the in-memory twin of PostgresStore for unit tests and local
// runs. Entries are copied on the way in and out so callers cannot mutate
// stored state.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
	nextSeq int64
}

// NewMemory creates an empty in-memory ledger store.
func NewMemory() *MemoryStore {
	return &MemoryStore{nextSeq: 1}
}

// Append stores one entry, assigning ID, Seq, and CreatedAt.
func (s *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	if err := validate(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Same uniqueness rule the ledger_entries_idem index enforces.
	if key, ok := entry.Metadata[MetadataKeyIdempotency].(string); ok && key != "" {
		for _, e := range s.entries {
			if e.OrgID != entry.OrgID || e.ActorID != entry.ActorID || e.EventName != entry.EventName {
				continue
			}
			if prior, ok := e.Metadata[MetadataKeyIdempotency].(string); ok && prior == key {
				return ErrDuplicateKey
			}
		}
	}

	entry.ID = uuid.NewString()
	entry.Seq = s.nextSeq
	s.nextSeq++
	entry.CreatedAt = requestcontext.Now(ctx)
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	s.entries = append(s.entries, copyEntry(entry))
	return nil
}

// GetByID fetches one entry scoped to an organization.
func (s *MemoryStore) GetByID(_ context.Context, orgID, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.OrgID == orgID && e.ID == id {
			return copyEntry(e), nil
		}
	}
	return nil, dErrors.New(dErrors.CodeNotFound, "ledger entry not found")
}

// FindByIdempotencyKey returns the first entry recorded under key for the
// scope, or (nil, nil).
func (s *MemoryStore) FindByIdempotencyKey(_ context.Context, orgID, actorID string, event EventName, key string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.OrgID != orgID || e.ActorID != actorID || e.EventName != event {
			continue
		}
		if k, ok := e.Metadata[MetadataKeyIdempotency].(string); ok && k == key {
			return copyEntry(e), nil
		}
	}
	return nil, nil
}

// ListWindow returns entries for one organization inside [from, to) by seq.
func (s *MemoryStore) ListWindow(_ context.Context, orgID string, from, to time.Time) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.OrgID != orgID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, copyEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// ListRecent returns the newest entries for an organization.
func (s *MemoryStore) ListRecent(_ context.Context, orgID string, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Entry
	for _, e := range s.entries {
		if e.OrgID == orgID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count aggregates entries matching the filter for one organization.
func (s *MemoryStore) Count(_ context.Context, orgID string, f Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, e := range s.entries {
		if e.OrgID != orgID {
			continue
		}
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Outcome != "" && e.Outcome != f.Outcome {
			continue
		}
		if f.EventPrefix != "" && !strings.HasPrefix(string(e.EventName), f.EventPrefix) {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		count++
	}
	return count, nil
}

// OrganizationsInWindow lists organizations with entries in [from, to).
func (s *MemoryStore) OrganizationsInWindow(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	for _, e := range s.entries {
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		seen[e.OrgID] = true
	}
	orgs := make([]string, 0, len(seen))
	for org := range seen {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs, nil
}

// Len reports the total number of stored entries. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func copyEntry(e *Entry) *Entry {
	dup := *e
	dup.Metadata = make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		dup.Metadata[k] = v
	}
	return &dup
}
