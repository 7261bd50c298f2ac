package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/events"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.Equal(t, 3, fc.indexesCreated)
}

func TestInsertAndLookup(t *testing.T) {
	store := mustNewTestStore()
	row := testRow("<m1@ex.com>")
	require.NoError(t, store.Insert(context.Background(), row))

	byKey, err := store.GetByIdempotencyKey(context.Background(), row.IdempotencyKey)
	require.NoError(t, err)
	require.Equal(t, row.EventID, byKey.EventID)
	require.Equal(t, events.StatusPending, byKey.Status)

	byID, err := store.Get(context.Background(), row.EventID)
	require.NoError(t, err)
	require.Equal(t, row.IdempotencyKey, byID.IdempotencyKey)
}

func TestInsertDuplicateKeyMapsToSentinel(t *testing.T) {
	store := mustNewTestStore()
	require.NoError(t, store.Insert(context.Background(), testRow("<m1@ex.com>")))

	err := store.Insert(context.Background(), testRow("<m1@ex.com>"))
	require.ErrorIs(t, err, events.ErrDuplicateKey)
}

func TestTransitionsGuardOnCurrentStatus(t *testing.T) {
	store := mustNewTestStore()
	row := testRow("<m1@ex.com>")
	require.NoError(t, store.Insert(context.Background(), row))

	// completed before processing must not match
	err := store.MarkCompleted(context.Background(), row.EventID, "wf-1")
	require.ErrorIs(t, err, events.ErrInvalidTransition)

	require.NoError(t, store.MarkProcessing(context.Background(), row.EventID))
	require.NoError(t, store.SetClassification(context.Background(), row.EventID, events.Classification{
		Intent:     "billing_question",
		Confidence: 0.9,
		Reasoning:  "keywords",
	}))
	require.NoError(t, store.MarkCompleted(context.Background(), row.EventID, "wf-1"))

	got, err := store.Get(context.Background(), row.EventID)
	require.NoError(t, err)
	require.Equal(t, events.StatusCompleted, got.Status)
	require.Equal(t, "billing_question", got.Intent)
	require.Equal(t, "wf-1", got.WorkflowID)
}

func TestMarkFailedFromEitherActiveStatus(t *testing.T) {
	store := mustNewTestStore()

	a := testRow("<a@ex.com>")
	require.NoError(t, store.Insert(context.Background(), a))
	require.NoError(t, store.MarkFailed(context.Background(), a.EventID, "boom"))

	b := testRow("<b@ex.com>")
	require.NoError(t, store.Insert(context.Background(), b))
	require.NoError(t, store.MarkProcessing(context.Background(), b.EventID))
	require.NoError(t, store.MarkFailed(context.Background(), b.EventID, "boom"))

	got, err := store.Get(context.Background(), b.EventID)
	require.NoError(t, err)
	require.Equal(t, events.StatusFailed, got.Status)
	require.Equal(t, "boom", got.ErrorMessage)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store := mustNewTestStore()
	_, err := store.Get(context.Background(), "absent")
	require.ErrorIs(t, err, events.ErrNotFound)
	_, err = store.GetByIdempotencyKey(context.Background(), "absent")
	require.ErrorIs(t, err, events.ErrNotFound)
}

func TestCountByStatus(t *testing.T) {
	store := mustNewTestStore()
	require.NoError(t, store.Insert(context.Background(), testRow("<a@ex.com>")))
	require.NoError(t, store.Insert(context.Background(), testRow("<b@ex.com>")))

	n, err := store.CountByStatus(context.Background(), events.StatusPending)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)
}

func TestInsertValidation(t *testing.T) {
	store := mustNewTestStore()
	err := store.Insert(context.Background(), events.Row{IdempotencyKey: "k"})
	require.EqualError(t, err, "event id is required")
	err = store.Insert(context.Background(), events.Row{EventID: "e"})
	require.EqualError(t, err, "idempotency key is required")
}

func testRow(sourceID string) events.Row {
	e := event.New(event.TypeEmail, event.SourceEmail)
	e.SourceID = sourceID
	e.IdempotencyKey = event.IdempotencyKey(event.SourceEmail, sourceID)
	e.Content = "body"
	return events.NewRow(e)
}

func mustNewTestStore() *Store {
	fc := newFakeCollection()
	store, err := newStoreWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return store
}

type fakeCollection struct {
	mu             sync.Mutex
	indexesCreated int
	docs           []rowDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{}
}

func (c *fakeCollection) InsertOne(ctx context.Context, doc any, opts ...*options.InsertOneOptions) (*mongodriver.InsertOneResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := doc.(rowDocument)
	for _, existing := range c.docs {
		if existing.IdempotencyKey == row.IdempotencyKey || existing.EventID == row.EventID {
			return nil, mongodriver.WriteException{WriteErrors: mongodriver.WriteErrors{{Code: 11000}}}
		}
	}
	c.docs = append(c.docs, row)
	return &mongodriver.InsertOneResult{}, nil
}

func (c *fakeCollection) FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.docs {
		if c.matches(c.docs[i], filter.(bson.M)) {
			copyDoc := c.docs[i]
			return fakeSingleResult{doc: &copyDoc}
		}
	}
	return fakeSingleResult{err: mongodriver.ErrNoDocuments}
}

func (c *fakeCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...*options.UpdateOptions) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.docs {
		if !c.matches(c.docs[i], filter.(bson.M)) {
			continue
		}
		set := update.(bson.M)["$set"].(bson.M)
		applySet(&c.docs[i], set)
		return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
	}
	return &mongodriver.UpdateResult{}, nil
}

func (c *fakeCollection) CountDocuments(ctx context.Context, filter any, opts ...*options.CountOptions) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	for i := range c.docs {
		if c.matches(c.docs[i], filter.(bson.M)) {
			n++
		}
	}
	return n, nil
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{count: &c.indexesCreated}
}

func (c *fakeCollection) matches(doc rowDocument, filter bson.M) bool {
	for key, want := range filter {
		var have any
		switch key {
		case "event_id":
			have = doc.EventID
		case "idempotency_key":
			have = doc.IdempotencyKey
		case "status":
			have = doc.Status
		default:
			return false
		}
		switch w := want.(type) {
		case bson.M:
			in, ok := w["$in"].([]events.Status)
			if !ok {
				return false
			}
			found := false
			for _, s := range in {
				if s == have {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			if have != want {
				return false
			}
		}
	}
	return true
}

func applySet(doc *rowDocument, set bson.M) {
	for key, value := range set {
		switch key {
		case "status":
			doc.Status = value.(events.Status)
		case "intent":
			doc.Intent = value.(string)
		case "confidence":
			doc.Confidence = value.(float64)
		case "reasoning":
			doc.Reasoning = value.(string)
		case "workflow_id":
			doc.WorkflowID = value.(string)
		case "error_message":
			doc.ErrorMessage = value.(string)
		case "processed_at":
			doc.ProcessedAt = value.(time.Time)
		case "completed_at":
			doc.CompletedAt = value.(time.Time)
		}
	}
}

type fakeIndexView struct {
	count *int
}

func (v fakeIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...*options.CreateIndexesOptions) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.count++
	return "idx", nil
}

type fakeSingleResult struct {
	doc *rowDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*rowDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}
