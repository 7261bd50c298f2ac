// Package rawmail persists inbound mail: the original RFC 822 bytes and
// attachment blobs in the object store, and the metadata rows that reference
// them. Records are idempotent by provider Message-ID.
package rawmail

import (
	"context"
	"errors"
	"time"

	"github.com/mailroom-io/mailroom/blob"
	"github.com/mailroom-io/mailroom/mailparse"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no record matches the lookup.
	ErrNotFound = errors.New("raw mail record not found")
	// ErrDuplicateMessageID is returned by Insert when the Message-ID is
	// already owned by another record.
	ErrDuplicateMessageID = errors.New("duplicate message id")
)

type (
	// Record is the persisted metadata of one raw mail.
	Record struct {
		RecordID    string
		MessageID   string
		AccountID   string
		FromEmail   string
		FromName    string
		Recipients  []string
		Subject     string
		ReceivedAt  time.Time
		BodyText    string
		RawPointer  blob.StoragePointer
		Size        int64
		CreatedAt   time.Time
		EventID     string
		StreamID    string
		ProcessedAt time.Time

		Attachments []AttachmentRow
	}

	// AttachmentRow describes one stored attachment blob. Each row is
	// exclusively owned by its parent record.
	AttachmentRow struct {
		AttachmentID string
		RecordID     string
		Filename     string
		ContentType  string
		Size         int64
		Pointer      blob.StoragePointer
		Inline       bool
		ContentID    string
		Signature    bool
	}

	// Store persists mail records and their attachment rows.
	Store interface {
		// Insert creates the record. Returns ErrDuplicateMessageID when
		// the Message-ID is already owned.
		Insert(ctx context.Context, rec Record) error

		// GetByMessageID returns the record with its attachments, or
		// ErrNotFound.
		GetByMessageID(ctx context.Context, messageID string) (Record, error)

		// Get returns the record by id with its attachments, or
		// ErrNotFound.
		Get(ctx context.Context, recordID string) (Record, error)

		// InsertAttachment adds one attachment row to an existing record.
		InsertAttachment(ctx context.Context, att AttachmentRow) error

		// MarkProcessed links the record to its event row and stream
		// entry and stamps the processed-at time.
		MarkProcessed(ctx context.Context, recordID, eventID, streamID string) error
	}
)

// IsSignatureImage reports whether a MIME part is an embedded signature
// image: an inline image part addressable by Content-ID.
func IsSignatureImage(p mailparse.Part) bool {
	return p.Disposition == mailparse.DispositionInline &&
		p.ContentID != "" &&
		len(p.MediaType) > 6 && p.MediaType[:6] == "image/"
}
