package trade

import (
	"context"
	"sync"
)

// MemoryStore keeps the most recent trades in a bounded ring. The oldest
// record is dropped once RecentLimit is reached.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds a record, evicting the oldest past the cap.
func (s *MemoryStore) Append(_ context.Context, r Record) error {
	if r.Mint == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
	if len(s.records) > RecentLimit {
		s.records = s.records[len(s.records)-RecentLimit:]
	}
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.records) {
		limit = len(s.records)
	}
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= len(s.records)-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}
