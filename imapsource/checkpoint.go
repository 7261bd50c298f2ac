package imapsource

import (
	"context"
	"sync"
	"time"
)

// MemoryCheckpoints keeps checkpoints in process memory. Used in tests and
// single-node development runs.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	points map[string]time.Time
}

var _ Checkpoints = (*MemoryCheckpoints)(nil)

// NewMemoryCheckpoints returns an empty in-memory checkpoint store.
func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{points: make(map[string]time.Time)}
}

func (s *MemoryCheckpoints) Get(ctx context.Context, accountID string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.points[accountID], nil
}

func (s *MemoryCheckpoints) Set(ctx context.Context, accountID string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[accountID] = ts.UTC()
	return nil
}
