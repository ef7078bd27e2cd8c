package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/eu-tender-ingest/internal/tender"
)

// TenderStore implements tender.Store in memory. Each call holds the lock for
// its whole duration, so every upsert is atomic.
type TenderStore struct {
	mu   sync.RWMutex
	rows map[tender.Key]tender.Tender
}

// NewTenderStore constructs an empty TenderStore.
func NewTenderStore() *TenderStore {
	return &TenderStore{rows: make(map[tender.Key]tender.Tender)}
}

// Upsert inserts t or replaces the row with the same key.
func (s *TenderStore) Upsert(_ context.Context, t tender.Tender) (tender.UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.rows[t.Key()]
	s.rows[t.Key()] = clone(t)
	if exists {
		return tender.UpsertUpdated, nil
	}
	return tender.UpsertCreated, nil
}

// SetCanonical rewrites the cluster flags of a stored row.
func (s *TenderStore) SetCanonical(_ context.Context, key tender.Key, duplicateOf *tender.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.rows[key]
	if !ok {
		return tender.ErrNotFound
	}
	t.IsCanonical = duplicateOf == nil
	t.DuplicateOf = nil
	if duplicateOf != nil {
		k := *duplicateOf
		t.DuplicateOf = &k
	}
	s.rows[key] = t
	return nil
}

// Get fetches one tender by key.
func (s *TenderStore) Get(_ context.Context, key tender.Key) (tender.Tender, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.rows[key]
	if !ok {
		return tender.Tender{}, tender.ErrNotFound
	}
	return clone(t), nil
}

// Query returns matching tenders, newest publication first, then by key.
func (s *TenderStore) Query(_ context.Context, q tender.Query) ([]tender.Tender, error) {
	s.mu.RLock()
	var out []tender.Tender
	for _, t := range s.rows {
		if q.Matches(t) {
			out = append(out, clone(t))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].PublicationDate, out[j].PublicationDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.After(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return out[i].Key().Less(out[j].Key())
	})

	if q.Offset >= len(out) {
		return []tender.Tender{}, nil
	}
	out = out[q.Offset:]
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports the number of stored rows.
func (s *TenderStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func clone(t tender.Tender) tender.Tender {
	t.CategoryCodes = append([]string(nil), t.CategoryCodes...)
	t.RawBlob = append([]byte(nil), t.RawBlob...)
	if t.DuplicateOf != nil {
		k := *t.DuplicateOf
		t.DuplicateOf = &k
	}
	return t
}
