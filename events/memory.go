package events

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development
// runs. It enforces the same key uniqueness and transition rules as the
// Mongo store.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]*Row
	byKey map[string]*Row
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*Row),
		byKey: make(map[string]*Row),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[row.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if _, ok := s.byID[row.EventID]; ok {
		return ErrDuplicateKey
	}
	if row.Status == "" {
		row.Status = StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	stored := row
	s.byID[row.EventID] = &stored
	s.byKey[row.IdempotencyKey] = &stored
	return nil
}

func (s *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byKey[key]
	if !ok {
		return Row{}, ErrNotFound
	}
	return *row, nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[eventID]
	if !ok {
		return Row{}, ErrNotFound
	}
	return *row, nil
}

func (s *MemoryStore) MarkProcessing(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[eventID]
	if !ok || row.Status != StatusPending {
		return ErrInvalidTransition
	}
	row.Status = StatusProcessing
	row.ProcessedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetClassification(ctx context.Context, eventID string, c Classification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[eventID]
	if !ok || row.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	row.Intent = c.Intent
	row.Confidence = c.Confidence
	row.Reasoning = c.Reasoning
	return nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, eventID, workflowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[eventID]
	if !ok || row.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	row.Status = StatusCompleted
	if workflowID != "" {
		row.WorkflowID = workflowID
	}
	row.CompletedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, eventID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.byID[eventID]
	if !ok || (row.Status != StatusPending && row.Status != StatusProcessing) {
		return ErrInvalidTransition
	}
	row.Status = StatusFailed
	row.ErrorMessage = message
	row.CompletedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountByStatus(ctx context.Context, status Status) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.byID {
		if row.Status == status {
			n++
		}
	}
	return n, nil
}
