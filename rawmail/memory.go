package rawmail

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node development
// runs.
type MemoryStore struct {
	mu          sync.Mutex
	records     map[string]*Record
	byMessageID map[string]string
	attachments map[string][]AttachmentRow
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory raw mail store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]*Record),
		byMessageID: make(map[string]string),
		attachments: make(map[string][]AttachmentRow),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byMessageID[rec.MessageID]; ok {
		return ErrDuplicateMessageID
	}
	stored := rec
	stored.Attachments = nil
	s.records[rec.RecordID] = &stored
	s.byMessageID[rec.MessageID] = rec.RecordID
	return nil
}

func (s *MemoryStore) GetByMessageID(ctx context.Context, messageID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byMessageID[messageID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return s.snapshot(id), nil
}

func (s *MemoryStore) Get(ctx context.Context, recordID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[recordID]; !ok {
		return Record{}, ErrNotFound
	}
	return s.snapshot(recordID), nil
}

func (s *MemoryStore) InsertAttachment(ctx context.Context, att AttachmentRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[att.RecordID]; !ok {
		return ErrNotFound
	}
	s.attachments[att.RecordID] = append(s.attachments[att.RecordID], att)
	return nil
}

func (s *MemoryStore) MarkProcessed(ctx context.Context, recordID, eventID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.EventID = eventID
	rec.StreamID = streamID
	rec.ProcessedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) snapshot(recordID string) Record {
	rec := *s.records[recordID]
	rec.Attachments = append([]AttachmentRow(nil), s.attachments[recordID]...)
	return rec
}
