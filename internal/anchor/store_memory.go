package anchor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"girder/pkg/requestcontext"
)

// MemoryStore is the in-memory twin of PostgresStore for unit tests.
type MemoryStore struct {
	mu    sync.RWMutex
	roots map[string]*LedgerRoot // keyed by org + "|" + date
}

// NewMemory creates an empty in-memory root store.
func NewMemory() *MemoryStore {
	return &MemoryStore{roots: make(map[string]*LedgerRoot)}
}

func rootKey(orgID string, date time.Time) string {
	return orgID + "|" + Day(date).Format("2006-01-02")
}

// Put inserts a root unless one exists for (org, date).
func (s *MemoryStore) Put(ctx context.Context, root *LedgerRoot) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := rootKey(root.OrgID, root.Date)
	if _, exists := s.roots[key]; exists {
		return false, nil
	}
	root.ID = uuid.NewString()
	root.Date = Day(root.Date)
	root.CreatedAt = requestcontext.Now(ctx)
	dup := *root
	s.roots[key] = &dup
	return true, nil
}

// GetByOrgDate returns the root for an organization and UTC day, or (nil, nil).
func (s *MemoryStore) GetByOrgDate(_ context.Context, orgID string, date time.Time) (*LedgerRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	root, ok := s.roots[rootKey(orgID, date)]
	if !ok {
		return nil, nil
	}
	dup := *root
	return &dup, nil
}

// ListByOrg returns an organization's roots, newest day first.
func (s *MemoryStore) ListByOrg(_ context.Context, orgID string, limit int) ([]*LedgerRoot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*LedgerRoot
	for _, root := range s.roots {
		if root.OrgID == orgID {
			dup := *root
			out = append(out, &dup)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
