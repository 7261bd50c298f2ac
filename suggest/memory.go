package suggest

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps suggestions in process memory. Used in tests and
// single-node development runs.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory suggestion store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recs {
		if existing.Kind == rec.Kind && existing.Key == rec.Key && existing.Status == StatusPending {
			return ErrDuplicatePending
		}
	}
	s.recs[rec.SuggestionID] = rec
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, suggestionID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[suggestionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) FindPending(ctx context.Context, kind Kind, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.Kind == kind && rec.Key == key && rec.Status == StatusPending {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Record, int64, error) {
	f.Normalize()
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Record
	for _, rec := range s.recs {
		if f.Kind != "" && rec.Kind != f.Kind {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		matched = append(matched, rec)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].SuggestionID < matched[j].SuggestionID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	total := int64(len(matched))
	start := (f.Page - 1) * f.PageSize
	if start >= len(matched) {
		return nil, total, nil
	}
	end := start + f.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *MemoryStore) Apply(ctx context.Context, suggestionID string, review Review) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[suggestionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != StatusPending {
		return Record{}, ErrInvalidTransition
	}
	now := time.Now().UTC()
	rec.Status = review.Status
	rec.ReviewedAt = &now
	rec.ReviewerID = review.ReviewerID
	rec.ReviewComment = review.Comment
	rec.MergedInto = review.MergedInto
	s.recs[suggestionID] = rec
	return rec, nil
}
