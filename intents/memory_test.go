package intents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListActiveSortsByPriorityDescending(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, Entry{Name: "low", Priority: 1, Active: true}))
	require.NoError(t, s.Upsert(ctx, Entry{Name: "high", Priority: 10, Active: true}))
	require.NoError(t, s.Upsert(ctx, Entry{Name: "inactive", Priority: 100, Active: false}))

	active, err := s.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "high", active[0].Name)
	assert.Equal(t, "low", active[1].Name)
}

func TestUpsertReplacesByName(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Upsert(ctx, Entry{Name: "billing", Label: "Billing", Active: true}))
	require.NoError(t, s.Upsert(ctx, Entry{Name: "billing", Label: "Billing Questions", Active: true}))

	e, err := s.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "Billing Questions", e.Label)
}

func TestUpsertValidatesEscalation(t *testing.T) {
	s := NewMemoryStore()
	err := s.Upsert(context.Background(), Entry{
		Name:       "big_order",
		Active:     true,
		Escalation: &EscalationRule{Kind: "sometimes"},
	})
	require.Error(t, err)
}

func TestGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "absent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureFallback(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, EnsureFallback(ctx, s))
	e, err := s.Get(ctx, FallbackIntent)
	require.NoError(t, err)
	assert.True(t, e.Active)
	assert.Equal(t, HandlerAgent, e.Handler.Kind)

	// Idempotent: a second call must not overwrite a customized entry.
	e.Label = "Everything else"
	require.NoError(t, s.Upsert(ctx, e))
	require.NoError(t, EnsureFallback(ctx, s))
	e, err = s.Get(ctx, FallbackIntent)
	require.NoError(t, err)
	assert.Equal(t, "Everything else", e.Label)
}
