package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom-io/mailroom/event"
)

func newRow(sourceID string) Row {
	e := event.New(event.TypeEmail, event.SourceEmail)
	e.SourceID = sourceID
	e.IdempotencyKey = event.IdempotencyKey(event.SourceEmail, sourceID)
	e.Content = "body"
	return NewRow(e)
}

func TestInsertEnforcesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first := newRow("<m1@ex.com>")
	require.NoError(t, s.Insert(ctx, first))

	// Same logical event arriving again under a new event id.
	second := newRow("<m1@ex.com>")
	err := s.Insert(ctx, second)
	require.ErrorIs(t, err, ErrDuplicateKey)

	owner, err := s.GetByIdempotencyKey(ctx, first.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, first.EventID, owner.EventID)
}

func TestStatusMachineHappyPath(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := newRow("<m1@ex.com>")
	require.NoError(t, s.Insert(ctx, row))

	require.NoError(t, s.MarkProcessing(ctx, row.EventID))
	require.NoError(t, s.SetClassification(ctx, row.EventID, Classification{
		Intent:     "billing_question",
		Confidence: 0.92,
		Reasoning:  "keyword match",
	}))
	require.NoError(t, s.MarkCompleted(ctx, row.EventID, "wf-1"))

	got, err := s.Get(ctx, row.EventID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "billing_question", got.Intent)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assert.False(t, got.ProcessedAt.IsZero())
	assert.False(t, got.CompletedAt.IsZero())
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	row := newRow("<m1@ex.com>")
	require.NoError(t, s.Insert(ctx, row))

	// completed requires processing first
	require.ErrorIs(t, s.MarkCompleted(ctx, row.EventID, ""), ErrInvalidTransition)

	require.NoError(t, s.MarkProcessing(ctx, row.EventID))
	require.ErrorIs(t, s.MarkProcessing(ctx, row.EventID), ErrInvalidTransition)

	require.NoError(t, s.MarkCompleted(ctx, row.EventID, ""))
	require.ErrorIs(t, s.MarkFailed(ctx, row.EventID, "late failure"), ErrInvalidTransition)
}

func TestMarkFailedFromPendingAndProcessing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	a := newRow("<a@ex.com>")
	require.NoError(t, s.Insert(ctx, a))
	require.NoError(t, s.MarkFailed(ctx, a.EventID, "insert raced"))

	b := newRow("<b@ex.com>")
	require.NoError(t, s.Insert(ctx, b))
	require.NoError(t, s.MarkProcessing(ctx, b.EventID))
	require.NoError(t, s.MarkFailed(ctx, b.EventID, "classifier blew up"))

	got, err := s.Get(ctx, b.EventID)
	require.NoError(t, err)
	assert.Equal(t, "classifier blew up", got.ErrorMessage)
}

func TestCountByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, id := range []string{"<a@ex.com>", "<b@ex.com>", "<c@ex.com>"} {
		require.NoError(t, s.Insert(ctx, newRow(id)))
	}
	require.NoError(t, s.MarkProcessing(ctx, mustRowID(t, s, "email:<a@ex.com>")))
	require.NoError(t, s.MarkFailed(ctx, mustRowID(t, s, "email:<a@ex.com>"), "boom"))

	failed, err := s.CountByStatus(ctx, StatusFailed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), failed)

	pending, err := s.CountByStatus(ctx, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
}

func mustRowID(t *testing.T, s Store, key string) string {
	t.Helper()
	row, err := s.GetByIdempotencyKey(context.Background(), key)
	require.NoError(t, err)
	return row.EventID
}
