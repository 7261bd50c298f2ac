// Package mongo hosts the MongoDB-backed suggestion store.
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

	"github.com/mailroom-io/mailroom/suggest"
)

const (
	defaultCollection = "suggestions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "suggestions-mongo"
)

// Store implements suggest.Store on a MongoDB collection. A partial unique
// index on (kind, key) over pending documents enforces the single pending
// suggestion rule.
type Store struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ suggest.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// Options configures the Mongo suggestion store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns a suggestion store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(coll),
		timeout: timeout,
	}
	if err := s.ensureIndexes(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "suggestion_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "kind", Value: 1}, {Key: "key", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"status": suggest.StatusPending}),
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}},
		},
	}
	_, err := s.coll.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *Store) Name() string { return clientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) Insert(ctx context.Context, rec suggest.Record) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.InsertOne(ctx, rec); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return suggest.ErrDuplicatePending
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, suggestionID string) (suggest.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec suggest.Record
	err := s.coll.FindOne(ctx, bson.M{"suggestion_id": suggestionID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return suggest.Record{}, suggest.ErrNotFound
		}
		return suggest.Record{}, err
	}
	return rec, nil
}

func (s *Store) FindPending(ctx context.Context, kind suggest.Kind, key string) (suggest.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var rec suggest.Record
	err := s.coll.FindOne(ctx, bson.M{
		"kind":   kind,
		"key":    key,
		"status": suggest.StatusPending,
	}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return suggest.Record{}, suggest.ErrNotFound
		}
		return suggest.Record{}, err
	}
	return rec, nil
}

func (s *Store) List(ctx context.Context, f suggest.Filter) ([]suggest.Record, int64, error) {
	f.Normalize()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if f.Kind != "" {
		filter["kind"] = f.Kind
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "suggestion_id", Value: 1}}).
		SetSkip(int64((f.Page - 1) * f.PageSize)).
		SetLimit(int64(f.PageSize))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	var recs []suggest.Record
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, 0, err
	}
	return recs, total, nil
}

// Apply flips a pending suggestion to its review outcome. The status filter
// makes the update a compare-and-swap: a suggestion reviewed concurrently
// fails with ErrInvalidTransition instead of being overwritten.
func (s *Store) Apply(ctx context.Context, suggestionID string, review suggest.Review) (suggest.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	set := bson.M{
		"status":      review.Status,
		"reviewed_at": time.Now().UTC(),
		"reviewer_id": review.ReviewerID,
	}
	if review.Comment != "" {
		set["review_comment"] = review.Comment
	}
	if review.MergedInto != "" {
		set["merged_into"] = review.MergedInto
	}
	var rec suggest.Record
	err := s.coll.FindOneAndUpdate(ctx,
		bson.M{"suggestion_id": suggestionID, "status": suggest.StatusPending},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, mongodriver.ErrNoDocuments) {
		return suggest.Record{}, err
	}
	// Missing or already terminal, look again to tell the two apart.
	if _, gerr := s.Get(ctx, suggestionID); gerr != nil {
		return suggest.Record{}, gerr
	}
	return suggest.Record{}, suggest.ErrInvalidTransition
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
