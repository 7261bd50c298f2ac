package intents

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process intent catalog for tests and single-node
// development runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []Entry
	for _, e := range s.entries {
		if e.Active {
			active = append(active, e)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return active[i].Priority > active[j].Priority })
	return active, nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, entry Entry) error {
	if entry.Name == "" {
		return errInvalidEntry("name is required")
	}
	if entry.Escalation != nil {
		if err := entry.Escalation.Validate(); err != nil {
			return err
		}
	}
	entry.UpdatedAt = time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.Name] = entry
	return nil
}

type errInvalidEntry string

func (e errInvalidEntry) Error() string { return "intent entry: " + string(e) }
