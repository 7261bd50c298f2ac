// Package mongo hosts the MongoDB-backed IMAP checkpoint store.
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

	"github.com/mailroom-io/mailroom/imapsource"
)

const (
	defaultCheckpointsCollection = "imap_checkpoints"
	defaultOpTimeout             = 5 * time.Second
	checkpointsClientName        = "imap-checkpoints-mongo"
)

// Store implements imapsource.Checkpoints on a MongoDB collection keyed by
// account id.
type Store struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var _ imapsource.Checkpoints = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// Options configures the Mongo checkpoint store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns a checkpoint store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultCheckpointsCollection
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
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "account_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Name() string { return checkpointsClientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) Get(ctx context.Context, accountID string) (time.Time, error) {
	if accountID == "" {
		return time.Time{}, errors.New("account id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc checkpointDocument
	err := s.coll.FindOne(ctx, bson.M{"account_id": accountID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return doc.LastFetchAt, nil
}

func (s *Store) Set(ctx context.Context, accountID string, ts time.Time) error {
	if accountID == "" {
		return errors.New("account id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"account_id": accountID},
		bson.M{"$set": bson.M{
			"account_id":    accountID,
			"last_fetch_at": ts.UTC(),
			"updated_at":    time.Now().UTC(),
		}},
		options.Update().SetUpsert(true))
	return err
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

type checkpointDocument struct {
	AccountID   string    `bson:"account_id"`
	LastFetchAt time.Time `bson:"last_fetch_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}
