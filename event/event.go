// Package event defines the unified event model: the canonical in-memory and
// on-wire representation of every inbound message, independent of the source
// that produced it.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies what kind of interaction produced the event.
type Type string

// Event types.
const (
	TypeEmail    Type = "email"
	TypeChat     Type = "chat"
	TypeWebhook  Type = "webhook"
	TypeCommand  Type = "command"
	TypeApproval Type = "approval"
	TypeSchedule Type = "schedule"
)

// Source identifies the ingestion channel.
type Source string

// Event sources.
const (
	SourceEmail        Source = "email"
	SourceChatPlatform Source = "chat-platform"
	SourceWeb          Source = "web"
	SourceWebhook      Source = "webhook"
	SourceSchedule     Source = "schedule"
)

// ContentType describes the payload encoding of Content.
type ContentType string

// Content types.
const (
	ContentText     ContentType = "text"
	ContentHTML     ContentType = "html"
	ContentMarkdown ContentType = "markdown"
)

// Priority orders events for downstream consumers.
type Priority string

// Priorities.
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Attachment carries metadata about a binary part associated with an event.
// The stream copy is informational only; the attachment table is the
// authoritative record, keyed by event id.
type Attachment struct {
	Filename   string `json:"filename"`
	MediaType  string `json:"media_type"`
	Size       int64  `json:"size"`
	StorageKey string `json:"storage_key"`
	Inline     bool   `json:"inline"`
	Signature  bool   `json:"signature"`
	ContentID  string `json:"content_id,omitempty"`
}

// UnifiedEvent is the canonical item flowing through the pipeline. It is
// created once at ingestion and never mutated; lifecycle state lives on the
// paired persistent event row.
type UnifiedEvent struct {
	// Identity.
	EventID        string
	IdempotencyKey string

	// Typing.
	Type     Type
	Source   Source
	SourceID string

	// Payload.
	Content     string
	ContentType ContentType
	Attachments []Attachment

	// Participants.
	UserExternalID string
	UserName       string
	UserID         string
	SessionID      string
	ThreadID       string

	// Control.
	Priority  Priority
	Timestamp time.Time
	Metadata  map[string]string
	Context   map[string]string
}

// New constructs a UnifiedEvent with a fresh event id, normal priority and
// the timestamp set to now (UTC). Callers fill in the rest.
func New(typ Type, source Source) *UnifiedEvent {
	return &UnifiedEvent{
		EventID:     uuid.NewString(),
		Type:        typ,
		Source:      source,
		ContentType: ContentText,
		Priority:    PriorityNormal,
		Timestamp:   time.Now().UTC(),
	}
}

// IdempotencyKey derives the stable duplicate-collapse key for a source and
// provider id, e.g. "email:<message-id>".
func IdempotencyKey(source Source, sourceID string) string {
	return fmt.Sprintf("%s:%s", source, sourceID)
}

// Validate reports whether the event carries the minimum fields every
// consumer relies on.
func (e *UnifiedEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event: missing event_id")
	}
	if e.Type == "" {
		return fmt.Errorf("event: missing event_type")
	}
	if e.Source == "" {
		return fmt.Errorf("event: missing source")
	}
	if e.IdempotencyKey == "" {
		return fmt.Errorf("event: missing idempotency_key")
	}
	return nil
}
