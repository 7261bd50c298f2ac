package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/intents"
)

func catalog() []intents.Entry {
	return []intents.Entry{
		{Name: "invoice", Label: "Invoice", Active: true, Priority: 10, Keywords: []string{"invoice", "payment due"}},
		{Name: "support", Label: "Support", Active: true, Priority: 5, Keywords: []string{"help", "broken", "error"}},
		{Name: "retired", Label: "Retired", Active: false, Keywords: []string{"invoice"}},
	}
}

func emailEvent(subject, content string) *event.UnifiedEvent {
	e := event.New(event.TypeEmail, event.SourceEmail)
	e.Content = content
	e.Metadata = map[string]string{"subject": subject}
	return e
}

func TestClassifyPicksBestKeywordFraction(t *testing.T) {
	c := New()
	res, err := c.Classify(context.Background(), classify.Input{
		Event:   emailEvent("Invoice #42", "your payment due date is Friday, see the attached invoice"),
		Catalog: catalog(),
	})
	require.NoError(t, err)
	assert.Equal(t, "invoice", res.Intent)
	assert.Equal(t, 1.0, res.Confidence)
	assert.Equal(t, "matched keywords: invoice, payment due", res.Reasoning)
	assert.Nil(t, res.NewSuggestion)
}

func TestClassifyMatchesSubjectOnly(t *testing.T) {
	c := New()
	res, err := c.Classify(context.Background(), classify.Input{
		Event:   emailEvent("something is broken", "please call me back"),
		Catalog: catalog(),
	})
	require.NoError(t, err)
	assert.Equal(t, "support", res.Intent)
	assert.InDelta(t, 1.0/3.0, res.Confidence, 1e-9)
}

func TestClassifyIgnoresInactiveEntries(t *testing.T) {
	c := New()
	res, err := c.Classify(context.Background(), classify.Input{
		Event: emailEvent("invoice", "invoice"),
		Catalog: []intents.Entry{
			{Name: "retired", Active: false, Keywords: []string{"invoice"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, intents.FallbackIntent, res.Intent)
}

func TestClassifyNoMatchFallsBack(t *testing.T) {
	c := New()
	res, err := c.Classify(context.Background(), classify.Input{
		Event:   emailEvent("hello", "just saying hi"),
		Catalog: catalog(),
	})
	require.NoError(t, err)
	assert.Equal(t, intents.FallbackIntent, res.Intent)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, "no catalog keywords matched", res.Reasoning)
}

func TestClassifyCatalogOrderBreaksTies(t *testing.T) {
	c := New()
	// Both entries match all of their keywords; the earlier entry wins.
	res, err := c.Classify(context.Background(), classify.Input{
		Event: emailEvent("", "alpha beta"),
		Catalog: []intents.Entry{
			{Name: "first", Active: true, Keywords: []string{"alpha"}},
			{Name: "second", Active: true, Keywords: []string{"beta"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "first", res.Intent)
}

func TestClassifyRequiresEvent(t *testing.T) {
	_, err := New().Classify(context.Background(), classify.Input{Catalog: catalog()})
	require.Error(t, err)
}
