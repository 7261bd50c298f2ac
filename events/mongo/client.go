// Package mongo hosts the MongoDB-backed event row store.
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

	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/events"
)

const (
	defaultEventsCollection = "events"
	defaultOpTimeout        = 5 * time.Second
	eventsClientName        = "events-mongo"
)

// Store implements events.Store on a MongoDB collection with a unique index
// on idempotency_key.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

var _ events.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// Options configures the Mongo event store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns an event store backed by MongoDB, creating the unique
// idempotency index when absent.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultEventsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(coll)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, wrapper, timeout)
}

func (s *Store) Name() string { return eventsClientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) Insert(ctx context.Context, row events.Row) error {
	if row.EventID == "" {
		return errors.New("event id is required")
	}
	if row.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	if row.Status == "" {
		row.Status = events.StatusPending
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, fromRow(row)); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return events.ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (s *Store) GetByIdempotencyKey(ctx context.Context, key string) (events.Row, error) {
	if key == "" {
		return events.Row{}, errors.New("idempotency key is required")
	}
	return s.findOne(ctx, bson.M{"idempotency_key": key})
}

func (s *Store) Get(ctx context.Context, eventID string) (events.Row, error) {
	if eventID == "" {
		return events.Row{}, errors.New("event id is required")
	}
	return s.findOne(ctx, bson.M{"event_id": eventID})
}

func (s *Store) MarkProcessing(ctx context.Context, eventID string) error {
	return s.transition(ctx,
		bson.M{"event_id": eventID, "status": events.StatusPending},
		bson.M{"$set": bson.M{
			"status":       events.StatusProcessing,
			"processed_at": time.Now().UTC(),
		}},
	)
}

func (s *Store) SetClassification(ctx context.Context, eventID string, c events.Classification) error {
	return s.transition(ctx,
		bson.M{"event_id": eventID, "status": events.StatusProcessing},
		bson.M{"$set": bson.M{
			"intent":     c.Intent,
			"confidence": c.Confidence,
			"reasoning":  c.Reasoning,
		}},
	)
}

func (s *Store) MarkCompleted(ctx context.Context, eventID, workflowID string) error {
	set := bson.M{
		"status":       events.StatusCompleted,
		"completed_at": time.Now().UTC(),
	}
	if workflowID != "" {
		set["workflow_id"] = workflowID
	}
	return s.transition(ctx,
		bson.M{"event_id": eventID, "status": events.StatusProcessing},
		bson.M{"$set": set},
	)
}

func (s *Store) MarkFailed(ctx context.Context, eventID, message string) error {
	return s.transition(ctx,
		bson.M{
			"event_id": eventID,
			"status":   bson.M{"$in": []events.Status{events.StatusPending, events.StatusProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":        events.StatusFailed,
			"error_message": message,
			"completed_at":  time.Now().UTC(),
		}},
	)
}

func (s *Store) CountByStatus(ctx context.Context, status events.Status) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.coll.CountDocuments(ctx, bson.M{"status": status})
}

func (s *Store) findOne(ctx context.Context, filter bson.M) (events.Row, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc rowDocument
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return events.Row{}, events.ErrNotFound
		}
		return events.Row{}, err
	}
	return doc.toRow(), nil
}

// transition applies an update guarded by the expected current status. No
// matching document means the row is absent or in another state.
func (s *Store) transition(ctx context.Context, filter, update bson.M) error {
	if filter["event_id"] == "" {
		return errors.New("event id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return events.ErrInvalidTransition
	}
	return nil
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

type rowDocument struct {
	EventID        string       `bson:"event_id"`
	IdempotencyKey string       `bson:"idempotency_key"`
	Type           event.Type   `bson:"event_type"`
	Source         event.Source `bson:"source"`
	SourceID       string       `bson:"source_id,omitempty"`
	UserExternalID string       `bson:"user_external_id,omitempty"`
	Content        string       `bson:"content,omitempty"`

	Status          events.Status `bson:"status"`
	Intent          string        `bson:"intent,omitempty"`
	Confidence      float64       `bson:"confidence,omitempty"`
	Reasoning       string        `bson:"reasoning,omitempty"`
	WorkflowID      string        `bson:"workflow_id,omitempty"`
	ResponseContent string        `bson:"response_content,omitempty"`
	ErrorMessage    string        `bson:"error_message,omitempty"`

	CreatedAt   time.Time `bson:"created_at"`
	ProcessedAt time.Time `bson:"processed_at,omitempty"`
	CompletedAt time.Time `bson:"completed_at,omitempty"`
}

func fromRow(row events.Row) rowDocument {
	return rowDocument{
		EventID:         row.EventID,
		IdempotencyKey:  row.IdempotencyKey,
		Type:            row.Type,
		Source:          row.Source,
		SourceID:        row.SourceID,
		UserExternalID:  row.UserExternalID,
		Content:         row.Content,
		Status:          row.Status,
		Intent:          row.Intent,
		Confidence:      row.Confidence,
		Reasoning:       row.Reasoning,
		WorkflowID:      row.WorkflowID,
		ResponseContent: row.ResponseContent,
		ErrorMessage:    row.ErrorMessage,
		CreatedAt:       row.CreatedAt.UTC(),
		ProcessedAt:     row.ProcessedAt.UTC(),
		CompletedAt:     row.CompletedAt.UTC(),
	}
}

func (doc rowDocument) toRow() events.Row {
	return events.Row{
		EventID:         doc.EventID,
		IdempotencyKey:  doc.IdempotencyKey,
		Type:            doc.Type,
		Source:          doc.Source,
		SourceID:        doc.SourceID,
		UserExternalID:  doc.UserExternalID,
		Content:         doc.Content,
		Status:          doc.Status,
		Intent:          doc.Intent,
		Confidence:      doc.Confidence,
		Reasoning:       doc.Reasoning,
		WorkflowID:      doc.WorkflowID,
		ResponseContent: doc.ResponseContent,
		ErrorMessage:    doc.ErrorMessage,
		CreatedAt:       doc.CreatedAt,
		ProcessedAt:     doc.ProcessedAt,
		CompletedAt:     doc.CompletedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}},
		},
	}
	for _, index := range indexes {
		if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
			return err
		}
	}
	return nil
}

func newStoreWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
	CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
