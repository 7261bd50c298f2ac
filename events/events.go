// Package events defines the persistent twin of a unified event: the row
// whose unique idempotency key makes at-least-once stream delivery safe, and
// whose status transitions record the dispatch outcome.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/mailroom-io/mailroom/event"
)

// Status is the lifecycle state of an event row. Only the dispatcher writes
// transitions.
type Status string

// Row statuses. pending -> processing -> {completed | failed}. Duplicate
// deliveries never get a row of their own: the unique idempotency key keeps
// the first row authoritative and later arrivals are acknowledged untouched.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no row matches the lookup.
	ErrNotFound = errors.New("event row not found")
	// ErrDuplicateKey is returned by Insert when a row with the same
	// idempotency key already exists.
	ErrDuplicateKey = errors.New("duplicate idempotency key")
	// ErrInvalidTransition is returned when a status update does not match
	// the row's current state.
	ErrInvalidTransition = errors.New("invalid status transition")
)

type (
	// Row is the persisted record of one event. The embedded event fields
	// are immutable after insert; classification and status fields are
	// written by the dispatcher as the event moves through the pipeline.
	Row struct {
		EventID        string
		IdempotencyKey string
		Type           event.Type
		Source         event.Source
		SourceID       string
		UserExternalID string
		Content        string

		Status          Status
		Intent          string
		Confidence      float64
		Reasoning       string
		WorkflowID      string
		ResponseContent string
		ErrorMessage    string

		CreatedAt   time.Time
		ProcessedAt time.Time
		CompletedAt time.Time
	}

	// Classification is the persisted classifier verdict.
	Classification struct {
		Intent     string
		Confidence float64
		Reasoning  string
	}

	// Store persists event rows. Implementations must back Insert with a
	// unique constraint on the idempotency key.
	Store interface {
		// Insert creates the row with status pending. Returns
		// ErrDuplicateKey when the idempotency key is already owned.
		Insert(ctx context.Context, row Row) error

		// GetByIdempotencyKey returns the owning row for a key, or
		// ErrNotFound.
		GetByIdempotencyKey(ctx context.Context, key string) (Row, error)

		// Get returns the row by event id, or ErrNotFound.
		Get(ctx context.Context, eventID string) (Row, error)

		// MarkProcessing moves pending -> processing and stamps the
		// processed-at time. ErrInvalidTransition when the row is not
		// pending.
		MarkProcessing(ctx context.Context, eventID string) error

		// SetClassification records the classifier verdict on a
		// processing row.
		SetClassification(ctx context.Context, eventID string, c Classification) error

		// MarkCompleted moves processing -> completed, optionally
		// recording the handler workflow id.
		MarkCompleted(ctx context.Context, eventID, workflowID string) error

		// MarkFailed moves the row to failed with the error message.
		// Valid from pending or processing.
		MarkFailed(ctx context.Context, eventID, message string) error

		// CountByStatus reports how many rows are in the given status.
		CountByStatus(ctx context.Context, status Status) (int64, error)
	}
)

// NewRow builds the pending row for a freshly dispatched event.
func NewRow(e *event.UnifiedEvent) Row {
	return Row{
		EventID:        e.EventID,
		IdempotencyKey: e.IdempotencyKey,
		Type:           e.Type,
		Source:         e.Source,
		SourceID:       e.SourceID,
		UserExternalID: e.UserExternalID,
		Content:        e.Content,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}
