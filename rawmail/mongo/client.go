// Package mongo hosts the MongoDB-backed raw mail store. Records live in
// email_raw_messages and attachment rows in email_attachments, keyed back to
// their record.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/mailroom-io/mailroom/blob"
	"github.com/mailroom-io/mailroom/rawmail"
)

const (
	defaultRecordsCollection     = "email_raw_messages"
	defaultAttachmentsCollection = "email_attachments"
	defaultOpTimeout             = 5 * time.Second
	rawmailClientName            = "rawmail-mongo"
)

// Store implements rawmail.Store on two MongoDB collections.
type Store struct {
	mongo       *mongodriver.Client
	records     *mongodriver.Collection
	attachments *mongodriver.Collection
	timeout     time.Duration
}

var _ rawmail.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// Options configures the Mongo raw mail store.
type Options struct {
	Client                *mongodriver.Client
	Database              string
	RecordsCollection     string
	AttachmentsCollection string
	Timeout               time.Duration
}

// New returns a raw mail store backed by MongoDB, creating the unique
// Message-ID index when absent.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	records := opts.RecordsCollection
	if records == "" {
		records = defaultRecordsCollection
	}
	attachments := opts.AttachmentsCollection
	if attachments == "" {
		attachments = defaultAttachmentsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:       opts.Client,
		records:     db.Collection(records),
		attachments: db.Collection(attachments),
		timeout:     timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Name() string { return rawmailClientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) Insert(ctx context.Context, rec rawmail.Record) error {
	if rec.RecordID == "" {
		return errors.New("record id is required")
	}
	if rec.MessageID == "" {
		return errors.New("message id is required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.records.InsertOne(ctx, fromRecord(rec)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return rawmail.ErrDuplicateMessageID
		}
		return err
	}
	return nil
}

func (s *Store) GetByMessageID(ctx context.Context, messageID string) (rawmail.Record, error) {
	if messageID == "" {
		return rawmail.Record{}, errors.New("message id is required")
	}
	return s.findOne(ctx, bson.M{"message_id": messageID})
}

func (s *Store) Get(ctx context.Context, recordID string) (rawmail.Record, error) {
	if recordID == "" {
		return rawmail.Record{}, errors.New("record id is required")
	}
	return s.findOne(ctx, bson.M{"record_id": recordID})
}

func (s *Store) InsertAttachment(ctx context.Context, att rawmail.AttachmentRow) error {
	if att.AttachmentID == "" {
		return errors.New("attachment id is required")
	}
	if att.RecordID == "" {
		return errors.New("record id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.attachments.InsertOne(ctx, fromAttachment(att))
	return err
}

func (s *Store) MarkProcessed(ctx context.Context, recordID, eventID, streamID string) error {
	if recordID == "" {
		return errors.New("record id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.records.UpdateOne(ctx,
		bson.M{"record_id": recordID},
		bson.M{"$set": bson.M{
			"event_id":     eventID,
			"stream_id":    streamID,
			"processed_at": time.Now().UTC(),
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return rawmail.ErrNotFound
	}
	return nil
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (rawmail.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc recordDocument
	if err := s.records.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return rawmail.Record{}, rawmail.ErrNotFound
		}
		return rawmail.Record{}, err
	}
	rec := doc.toRecord()
	cursor, err := s.attachments.Find(ctx, bson.M{"record_id": rec.RecordID})
	if err != nil {
		return rawmail.Record{}, err
	}
	defer cursor.Close(ctx)
	var atts []attachmentDocument
	if err := cursor.All(ctx, &atts); err != nil {
		return rawmail.Record{}, err
	}
	for _, att := range atts {
		rec.Attachments = append(rec.Attachments, att.toAttachment())
	}
	return rec, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "record_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
	if err != nil {
		return err
	}
	_, err = s.attachments.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "attachment_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "record_id", Value: 1}},
		},
	})
	return err
}

type recordDocument struct {
	RecordID    string              `bson:"record_id"`
	MessageID   string              `bson:"message_id"`
	AccountID   string              `bson:"account_id,omitempty"`
	FromEmail   string              `bson:"from_email,omitempty"`
	FromName    string              `bson:"from_name,omitempty"`
	Recipients  []string            `bson:"recipients,omitempty"`
	Subject     string              `bson:"subject,omitempty"`
	ReceivedAt  time.Time           `bson:"received_at"`
	BodyText    string              `bson:"body_text,omitempty"`
	RawPointer  blob.StoragePointer `bson:"raw_pointer"`
	Size        int64               `bson:"size"`
	CreatedAt   time.Time           `bson:"created_at"`
	EventID     string              `bson:"event_id,omitempty"`
	StreamID    string              `bson:"stream_id,omitempty"`
	ProcessedAt time.Time           `bson:"processed_at,omitempty"`
}

func fromRecord(rec rawmail.Record) recordDocument {
	return recordDocument{
		RecordID:    rec.RecordID,
		MessageID:   rec.MessageID,
		AccountID:   rec.AccountID,
		FromEmail:   rec.FromEmail,
		FromName:    rec.FromName,
		Recipients:  rec.Recipients,
		Subject:     rec.Subject,
		ReceivedAt:  rec.ReceivedAt.UTC(),
		BodyText:    rec.BodyText,
		RawPointer:  rec.RawPointer,
		Size:        rec.Size,
		CreatedAt:   rec.CreatedAt.UTC(),
		EventID:     rec.EventID,
		StreamID:    rec.StreamID,
		ProcessedAt: rec.ProcessedAt.UTC(),
	}
}

func (doc recordDocument) toRecord() rawmail.Record {
	return rawmail.Record{
		RecordID:    doc.RecordID,
		MessageID:   doc.MessageID,
		AccountID:   doc.AccountID,
		FromEmail:   doc.FromEmail,
		FromName:    doc.FromName,
		Recipients:  doc.Recipients,
		Subject:     doc.Subject,
		ReceivedAt:  doc.ReceivedAt,
		BodyText:    doc.BodyText,
		RawPointer:  doc.RawPointer,
		Size:        doc.Size,
		CreatedAt:   doc.CreatedAt,
		EventID:     doc.EventID,
		StreamID:    doc.StreamID,
		ProcessedAt: doc.ProcessedAt,
	}
}

type attachmentDocument struct {
	AttachmentID string              `bson:"attachment_id"`
	RecordID     string              `bson:"record_id"`
	Filename     string              `bson:"filename"`
	ContentType  string              `bson:"content_type,omitempty"`
	Size         int64               `bson:"size"`
	Pointer      blob.StoragePointer `bson:"pointer"`
	Inline       bool                `bson:"inline"`
	ContentID    string              `bson:"content_id,omitempty"`
	Signature    bool                `bson:"signature"`
}

func fromAttachment(att rawmail.AttachmentRow) attachmentDocument {
	return attachmentDocument{
		AttachmentID: att.AttachmentID,
		RecordID:     att.RecordID,
		Filename:     att.Filename,
		ContentType:  att.ContentType,
		Size:         att.Size,
		Pointer:      att.Pointer,
		Inline:       att.Inline,
		ContentID:    att.ContentID,
		Signature:    att.Signature,
	}
}

func (doc attachmentDocument) toAttachment() rawmail.AttachmentRow {
	return rawmail.AttachmentRow{
		AttachmentID: doc.AttachmentID,
		RecordID:     doc.RecordID,
		Filename:     doc.Filename,
		ContentType:  doc.ContentType,
		Size:         doc.Size,
		Pointer:      doc.Pointer,
		Inline:       doc.Inline,
		ContentID:    doc.ContentID,
		Signature:    doc.Signature,
	}
}
