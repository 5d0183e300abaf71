package idempotency

import (
	"context"
	"sync"
	"time"

	"girder/pkg/requestcontext"
)

// MemoryStore is the in-memory twin of PostgresStore for unit tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Scope]*Record
	ttl     time.Duration
}

// NewMemory creates an empty in-memory idempotency store.
func NewMemory(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{records: make(map[Scope]*Record), ttl: ttl}
}

// Get returns the live record for a scope, or (nil, nil).
func (s *MemoryStore) Get(ctx context.Context, scope Scope) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[scope]
	if !ok || record.Expired(requestcontext.Now(ctx)) {
		return nil, nil
	}
	dup := *record
	return &dup, nil
}

// Put stores the record unless the scope already holds one (first writer wins).
func (s *MemoryStore) Put(ctx context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[record.Scope]; exists {
		return nil
	}
	now := requestcontext.Now(ctx)
	record.CreatedAt = now
	if record.ExpiresAt.IsZero() {
		record.ExpiresAt = now.Add(s.ttl)
	}
	dup := *record
	s.records[record.Scope] = &dup
	return nil
}

// Cleanup removes records that expired before the given time.
func (s *MemoryStore) Cleanup(_ context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for scope, record := range s.records {
		if record.ExpiresAt.Before(before) {
			delete(s.records, scope)
		}
	}
	return nil
}
