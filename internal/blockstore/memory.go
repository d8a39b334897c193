package blockstore

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/jmerrifield20/medaudit/internal/auditledger"
)

// MemoryStore keeps rows in process memory. It is used in tests and for
// throwaway deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []auditledger.Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadAll implements Store.
func (s *MemoryStore) LoadAll(_ context.Context) ([]auditledger.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.rows), nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, row auditledger.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.Index == row.Index {
			return fmt.Errorf("%w: %d", ErrDuplicateIndex, row.Index)
		}
	}
	s.rows = append(s.rows, row)
	slices.SortFunc(s.rows, func(a, b auditledger.Row) int { return a.Index - b.Index })
	return nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Tamper edits the stored row at index in place, simulating an out-of-band
// change to the backing database.
func (s *MemoryStore) Tamper(index int, fn func(*auditledger.Row)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].Index == index {
			fn(&s.rows[i])
			return nil
		}
	}
	return fmt.Errorf("tamper: no row %d", index)
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
