// Package mongo hosts the MongoDB-backed intent catalog store.
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

	"github.com/mailroom-io/mailroom/intents"
)

const (
	defaultIntentsCollection = "intents"
	defaultOpTimeout         = 5 * time.Second
	intentsClientName        = "intents-mongo"
)

// Store implements intents.Store on a MongoDB collection with a unique index
// on name.
type Store struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

var _ intents.Store = (*Store)(nil)
var _ health.Pinger = (*Store)(nil)

// Options configures the Mongo intent store.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// New returns an intent catalog backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	coll := opts.Collection
	if coll == "" {
		coll = defaultIntentsCollection
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

func (s *Store) Name() string { return intentsClientName }

func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

func (s *Store) ListActive(ctx context.Context) ([]intents.Entry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	docs, err := s.coll.Find(ctx, bson.M{"active": true},
		options.Find().SetSort(bson.D{{Key: "priority", Value: -1}}))
	if err != nil {
		return nil, err
	}
	entries := make([]intents.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, doc.toEntry())
	}
	return entries, nil
}

func (s *Store) Get(ctx context.Context, name string) (intents.Entry, error) {
	if name == "" {
		return intents.Entry{}, errors.New("intent name is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc entryDocument
	if err := s.coll.FindOne(ctx, bson.M{"name": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return intents.Entry{}, intents.ErrNotFound
		}
		return intents.Entry{}, err
	}
	return doc.toEntry(), nil
}

func (s *Store) Upsert(ctx context.Context, entry intents.Entry) error {
	if entry.Name == "" {
		return errors.New("intent name is required")
	}
	if entry.Escalation != nil {
		if err := entry.Escalation.Validate(); err != nil {
			return err
		}
	}
	entry.UpdatedAt = time.Now().UTC()
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"name": entry.Name},
		bson.M{"$set": fromEntry(entry)},
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

type entryDocument struct {
	Name        string   `bson:"name"`
	Label       string   `bson:"label,omitempty"`
	Description string   `bson:"description,omitempty"`
	Exemplars   []string `bson:"exemplars,omitempty"`
	Keywords    []string `bson:"keywords,omitempty"`
	Priority    int      `bson:"priority"`
	Active      bool     `bson:"active"`

	HandlerKind     intents.HandlerKind `bson:"handler_kind"`
	HandlerWorkflow string              `bson:"handler_workflow,omitempty"`
	HandlerConfig   map[string]string   `bson:"handler_config,omitempty"`

	Escalation         *intents.EscalationRule `bson:"escalation,omitempty"`
	EscalationWorkflow string                  `bson:"escalation_workflow,omitempty"`

	UpdatedAt time.Time `bson:"updated_at"`
}

func fromEntry(e intents.Entry) entryDocument {
	return entryDocument{
		Name:               e.Name,
		Label:              e.Label,
		Description:        e.Description,
		Exemplars:          e.Exemplars,
		Keywords:           e.Keywords,
		Priority:           e.Priority,
		Active:             e.Active,
		HandlerKind:        e.Handler.Kind,
		HandlerWorkflow:    e.Handler.Workflow,
		HandlerConfig:      e.Handler.Config,
		Escalation:         e.Escalation,
		EscalationWorkflow: e.EscalationWorkflow,
		UpdatedAt:          e.UpdatedAt.UTC(),
	}
}

func (doc entryDocument) toEntry() intents.Entry {
	return intents.Entry{
		Name:        doc.Name,
		Label:       doc.Label,
		Description: doc.Description,
		Exemplars:   doc.Exemplars,
		Keywords:    doc.Keywords,
		Priority:    doc.Priority,
		Active:      doc.Active,
		Handler: intents.Handler{
			Kind:     doc.HandlerKind,
			Workflow: doc.HandlerWorkflow,
			Config:   doc.HandlerConfig,
		},
		Escalation:         doc.Escalation,
		EscalationWorkflow: doc.EscalationWorkflow,
		UpdatedAt:          doc.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
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
	Find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]entryDocument, error)
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error)
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

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...*options.FindOptions) ([]entryDocument, error) {
	cursor, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
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
