package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/eu-tender-ingest/internal/ingest"
)

// RunStore keeps run summaries for the lifetime of the process.
type RunStore struct {
	mu   sync.RWMutex
	runs map[string]ingest.Summary
}

// NewRunStore constructs an empty RunStore.
func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]ingest.Summary)}
}

// Save records the latest state of a run.
func (s *RunStore) Save(_ context.Context, sum ingest.Summary) error {
	sum.Sources = append([]ingest.SourceSummary(nil), sum.Sources...)
	s.mu.Lock()
	s.runs[sum.RunID] = sum
	s.mu.Unlock()
	return nil
}

// Get returns the latest saved state of a run.
func (s *RunStore) Get(_ context.Context, runID string) (ingest.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum, ok := s.runs[runID]
	if !ok {
		return ingest.Summary{}, ingest.ErrRunNotFound
	}
	return sum, nil
}
