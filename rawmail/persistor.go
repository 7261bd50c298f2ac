package rawmail

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailroom-io/mailroom/blob"
	"github.com/mailroom-io/mailroom/mailparse"
	"github.com/mailroom-io/mailroom/telemetry"
)

// BlobStore is the slice of the object store the persistor writes through.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, mediaType string) (blob.StoragePointer, error)
}

type (
	// PersistorOptions configures a Persistor.
	PersistorOptions struct {
		// Store persists metadata rows. Required.
		Store Store
		// Blobs stores raw bytes and attachments. Required.
		Blobs BlobStore
		// Environment namespaces storage keys when a mail has no
		// account id. Defaults to "default".
		Environment string
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Persistor writes one mail durably: the .eml blob, the metadata row
	// and the attachment blobs and rows.
	Persistor struct {
		store Store
		blobs BlobStore
		env   string
		log   telemetry.Logger
	}
)

// NewPersistor constructs a Persistor.
func NewPersistor(opts PersistorOptions) (*Persistor, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	env := opts.Environment
	if env == "" {
		env = "default"
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	return &Persistor{store: opts.Store, blobs: opts.Blobs, env: env, log: log}, nil
}

// Persist stores the mail. A mail whose Message-ID is already recorded is
// returned as-is without touching storage. A failure to write the raw blob
// aborts without creating any row; a failure on an individual attachment
// drops that attachment only.
func (p *Persistor) Persist(ctx context.Context, m *mailparse.Mail, accountID string) (Record, error) {
	if m.MessageID == "" {
		return Record{}, errors.New("rawmail: mail has no message id")
	}

	existing, err := p.store.GetByMessageID(ctx, m.MessageID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("rawmail: lookup %s: %w", m.MessageID, err)
	}

	recordID := uuid.NewString()
	day := receivedDay(m)
	scope := accountID
	if scope == "" {
		scope = p.env
	}

	rawKey := fmt.Sprintf("emails/raw/%s/%s/%s.eml", scope, day, recordID)
	rawPtr, err := p.blobs.Put(ctx, rawKey, m.Raw, "message/rfc822")
	if err != nil {
		return Record{}, fmt.Errorf("rawmail: store raw %s: %w", m.MessageID, err)
	}

	rec := Record{
		RecordID:   recordID,
		MessageID:  m.MessageID,
		AccountID:  accountID,
		FromEmail:  m.From.Email,
		FromName:   m.From.Name,
		Recipients: recipientList(m),
		Subject:    m.Subject,
		ReceivedAt: receivedAt(m),
		BodyText:   m.Body(),
		RawPointer: rawPtr,
		Size:       m.Size,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateMessageID) {
			// Another worker won the insert race; their record is the
			// authoritative one.
			return p.store.GetByMessageID(ctx, m.MessageID)
		}
		return Record{}, fmt.Errorf("rawmail: insert %s: %w", m.MessageID, err)
	}

	for _, part := range m.Parts {
		if !isStorable(part) {
			continue
		}
		att, err := p.persistAttachment(ctx, rec, scope, day, part)
		if err != nil {
			p.log.Error(ctx, "attachment dropped", "record_id", recordID, "filename", part.Filename, "error", err.Error())
			continue
		}
		rec.Attachments = append(rec.Attachments, att)
	}
	return rec, nil
}

// MarkProcessed records the event and stream linkage once the mail has been
// enqueued.
func (p *Persistor) MarkProcessed(ctx context.Context, recordID, eventID, streamID string) error {
	return p.store.MarkProcessed(ctx, recordID, eventID, streamID)
}

func (p *Persistor) persistAttachment(ctx context.Context, rec Record, scope, day string, part mailparse.Part) (AttachmentRow, error) {
	attachmentID := uuid.NewString()
	filename := part.Filename
	if filename == "" {
		filename = syntheticFilename(part.MediaType)
	}
	key := fmt.Sprintf("emails/attachments/%s/%s/%s/%s", scope, day, attachmentID, url.PathEscape(filename))
	ptr, err := p.blobs.Put(ctx, key, part.Content, part.MediaType)
	if err != nil {
		return AttachmentRow{}, err
	}
	att := AttachmentRow{
		AttachmentID: attachmentID,
		RecordID:     rec.RecordID,
		Filename:     filename,
		ContentType:  part.MediaType,
		Size:         int64(len(part.Content)),
		Pointer:      ptr,
		Inline:       part.Disposition == mailparse.DispositionInline,
		ContentID:    part.ContentID,
		Signature:    IsSignatureImage(part),
	}
	if err := p.store.InsertAttachment(ctx, att); err != nil {
		return AttachmentRow{}, err
	}
	return att, nil
}

// isStorable selects the parts persisted as attachments: anything explicitly
// marked attachment, plus inline parts addressable by Content-ID. Plain body
// parts stay in the record's body text.
func isStorable(part mailparse.Part) bool {
	if part.Disposition == mailparse.DispositionAttachment {
		return true
	}
	if part.Disposition == mailparse.DispositionInline && part.ContentID != "" {
		return true
	}
	return false
}

func recipientList(m *mailparse.Mail) []string {
	var out []string
	for _, a := range m.To {
		out = append(out, a.Email)
	}
	for _, a := range m.Cc {
		out = append(out, a.Email)
	}
	return out
}

func receivedAt(m *mailparse.Mail) time.Time {
	if !m.Date.IsZero() {
		return m.Date
	}
	return time.Now().UTC()
}

func receivedDay(m *mailparse.Mail) string {
	return receivedAt(m).UTC().Format("2006-01-02")
}

func syntheticFilename(mediaType string) string {
	ext := ".bin"
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return "inline_" + nonce + ext
}
