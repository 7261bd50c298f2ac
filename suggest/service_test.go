package suggest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom-io/mailroom/intents"
)

type recordedSignal struct {
	workflowID string
	signal     string
}

type fakeNotifier struct {
	signals []recordedSignal
	err     error
}

func (n *fakeNotifier) SignalWorkflow(ctx context.Context, workflowID, signal string, payload any) error {
	if n.err != nil {
		return n.err
	}
	n.signals = append(n.signals, recordedSignal{workflowID: workflowID, signal: signal})
	return nil
}

func newTestService(t *testing.T, catalog intents.Store, notifier Notifier) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	opts := ServiceOptions{
		Store:    store,
		Notifier: notifier,
		Now:      func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) },
	}
	if catalog != nil {
		opts.Materializers = map[Kind]Materializer{KindNewIntent: IntentMaterializer(catalog)}
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return svc, store
}

func newIntentInput() CreateInput {
	return CreateInput{
		Kind:          KindNewIntent,
		Key:           "refund_request",
		Label:         "Refund request",
		Description:   "customer asks for money back",
		Confidence:    0.8,
		SourceEventID: "evt-1",
		WorkflowID:    "approval-evt-1",
	}
}

func TestCreateReturnsExistingPending(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, nil)

	first, created, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, StatusPending, first.Status)

	second, created, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.SuggestionID, second.SuggestionID)
}

func TestCreateAllowsNewPendingAfterReview(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, nil)

	first, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	_, err = svc.Reject(ctx, first.SuggestionID, "rev-1", "not recurring")
	require.NoError(t, err)

	second, created, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.SuggestionID, second.SuggestionID)
}

func TestApproveMaterializesIntent(t *testing.T) {
	ctx := context.Background()
	catalog := intents.NewMemoryStore()
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, catalog, notifier)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, rec.SuggestionID, "rev-1", "clearly recurring")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	assert.Equal(t, "rev-1", approved.ReviewerID)
	require.NotNil(t, approved.ReviewedAt)

	entry, err := catalog.Get(ctx, "refund_request")
	require.NoError(t, err)
	assert.True(t, entry.Active)
	assert.Equal(t, "Refund request", entry.Label)
	assert.Equal(t, intents.HandlerAgent, entry.Handler.Kind)

	require.Len(t, notifier.signals, 1)
	assert.Equal(t, "approval-evt-1", notifier.signals[0].workflowID,
		"the decision is signaled to the workflow stored at creation")
	assert.Equal(t, "suggestion_reviewed", notifier.signals[0].signal)
}

func TestReviewWithoutWorkflowSendsNoSignal(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{}
	svc, _ := newTestService(t, intents.NewMemoryStore(), notifier)

	in := newIntentInput()
	in.WorkflowID = ""
	rec, _, err := svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, rec.SuggestionID, "rev-1", "")
	require.NoError(t, err)

	assert.Empty(t, notifier.signals)
}

func TestApproveIdempotent(t *testing.T) {
	ctx := context.Background()
	catalog := intents.NewMemoryStore()
	svc, _ := newTestService(t, catalog, nil)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	_, err = svc.Approve(ctx, rec.SuggestionID, "rev-1", "")
	require.NoError(t, err)

	again, err := svc.Approve(ctx, rec.SuggestionID, "rev-2", "")
	require.NoError(t, err)
	assert.Equal(t, "rev-1", again.ReviewerID, "a repeated approve returns the original decision")
}

func TestApproveAfterRejectFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, intents.NewMemoryStore(), nil)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	_, err = svc.Reject(ctx, rec.SuggestionID, "rev-1", "")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, rec.SuggestionID, "rev-2", "")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApproveMaterializeFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc, err := NewService(ServiceOptions{
		Store: store,
		Materializers: map[Kind]Materializer{
			KindNewIntent: func(ctx context.Context, rec Record) error {
				return errors.New("catalog down")
			},
		},
	})
	require.NoError(t, err)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	_, err = svc.Approve(ctx, rec.SuggestionID, "rev-1", "")
	require.Error(t, err)

	current, err := store.Get(ctx, rec.SuggestionID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status, "a failed materialize leaves the suggestion reviewable")
}

func TestApproveWorkflowHint(t *testing.T) {
	ctx := context.Background()
	catalog := intents.NewMemoryStore()
	svc, _ := newTestService(t, catalog, nil)

	in := newIntentInput()
	in.HandlerHint = string(intents.HandlerWorkflow)
	in.Payload = map[string]string{"workflow": "RefundWorkflow"}
	rec, _, err := svc.Create(ctx, in)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, rec.SuggestionID, "rev-1", "")
	require.NoError(t, err)

	entry, err := catalog.Get(ctx, "refund_request")
	require.NoError(t, err)
	assert.Equal(t, intents.HandlerWorkflow, entry.Handler.Kind)
	assert.Equal(t, "RefundWorkflow", entry.Handler.Workflow)
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, nil)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	merged, err := svc.Merge(ctx, rec.SuggestionID, "rev-1", "billing")
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, merged.Status)
	assert.Equal(t, "billing", merged.MergedInto)

	// Repeating the same merge is a no-op, a different target is refused.
	_, err = svc.Merge(ctx, rec.SuggestionID, "rev-1", "billing")
	require.NoError(t, err)
	_, err = svc.Merge(ctx, rec.SuggestionID, "rev-1", "support")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNotifierFailureDoesNotFailReview(t *testing.T) {
	ctx := context.Background()
	notifier := &fakeNotifier{err: errors.New("temporal down")}
	svc, _ := newTestService(t, intents.NewMemoryStore(), notifier)

	rec, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	approved, err := svc.Approve(ctx, rec.SuggestionID, "rev-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
}

func TestPendingKeys(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t, nil, nil)

	_, _, err := svc.Create(ctx, newIntentInput())
	require.NoError(t, err)
	other := newIntentInput()
	other.Key = "cancellation"
	_, _, err = svc.Create(ctx, other)
	require.NoError(t, err)

	keys, err := svc.PendingKeys(ctx, KindNewIntent)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"refund_request", "cancellation"}, keys)
}

func TestListPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Insert(ctx, Record{
			SuggestionID: string(rune('a' + i)),
			Kind:         KindNewIntent,
			Key:          "key-" + string(rune('a'+i)),
			Status:       StatusPending,
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}
	svc, err := NewService(ServiceOptions{Store: store})
	require.NoError(t, err)

	page, total, err := svc.List(ctx, Filter{Kind: KindNewIntent, Status: StatusPending, Page: 2, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page, 2)
	// Newest first: page two holds the third and fourth newest.
	assert.Equal(t, "key-c", page[0].Key)
	assert.Equal(t, "key-b", page[1].Key)
}
