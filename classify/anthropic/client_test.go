package anthropic

import (
	"context"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/intents"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func textMessage(text string) *sdk.Message {
	return &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: text}},
	}
}

func testCatalog() []intents.Entry {
	return []intents.Entry{
		{Name: "invoice", Label: "Invoice", Active: true, Description: "billing and payment mail"},
		{Name: "support", Label: "Support", Active: true},
	}
}

func testInput() classify.Input {
	e := event.New(event.TypeEmail, event.SourceEmail)
	e.Content = "please pay invoice #42 by Friday"
	e.Metadata = map[string]string{"subject": "Invoice #42"}
	return classify.Input{Event: e, Catalog: testCatalog()}
}

func newTestClassifier(t *testing.T, stub *stubMessagesClient) *Classifier {
	t.Helper()
	c, err := New(stub, Options{Model: "claude-sonnet-4-5"})
	require.NoError(t, err)
	return c
}

func TestClassifyParsesModelAnswer(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(
		`{"intent": "invoice", "confidence": 0.92, "reasoning": "payment request with amount and due date"}`,
	)}
	c := newTestClassifier(t, stub)

	res, err := c.Classify(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "invoice", res.Intent)
	assert.Equal(t, 0.92, res.Confidence)
	assert.Equal(t, "payment request with amount and due date", res.Reasoning)
	assert.Nil(t, res.NewSuggestion)

	assert.Equal(t, sdk.Model("claude-sonnet-4-5"), stub.lastParams.Model)
	assert.Equal(t, int64(DefaultMaxTokens), stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Contains(t, stub.lastParams.System[0].Text, "invoice: Invoice")
	require.Len(t, stub.lastParams.Messages, 1)
}

func TestClassifyToleratesCodeFences(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(
		"```json\n{\"intent\": \"support\", \"confidence\": 0.7, \"reasoning\": \"asks for help\"}\n```",
	)}
	c := newTestClassifier(t, stub)

	res, err := c.Classify(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, "support", res.Intent)
}

func TestClassifyDecodesSuggestion(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(`{
		"intent": "other",
		"confidence": 0.2,
		"reasoning": "recurring refund requests have no catalog entry",
		"new_suggestion": {
			"name": "refund_request",
			"label": "Refund request",
			"description": "customer asks for money back",
			"handler_hint": "workflow",
			"confidence": 0.85
		}
	}`)}
	c := newTestClassifier(t, stub)

	res, err := c.Classify(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, intents.FallbackIntent, res.Intent)
	require.NotNil(t, res.NewSuggestion)
	assert.Equal(t, "refund_request", res.NewSuggestion.Name)
	assert.Equal(t, 0.85, res.NewSuggestion.Confidence)
}

func TestClassifyDemotesUnknownIntent(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(
		`{"intent": "made_up", "confidence": 0.9, "reasoning": "looks plausible"}`,
	)}
	c := newTestClassifier(t, stub)

	res, err := c.Classify(context.Background(), testInput())
	require.NoError(t, err)
	assert.Equal(t, intents.FallbackIntent, res.Intent)
	assert.Contains(t, res.Reasoning, `unknown intent "made_up"`)
}

func TestClassifyRejectsMalformedAnswers(t *testing.T) {
	cases := map[string]string{
		"not json":              "the event is an invoice",
		"missing fields":        `{"intent": "invoice"}`,
		"confidence over one":   `{"intent": "invoice", "confidence": 1.4, "reasoning": "x"}`,
		"empty intent":          `{"intent": "", "confidence": 0.5, "reasoning": "x"}`,
		"suggestion incomplete": `{"intent": "other", "confidence": 0.1, "reasoning": "x", "new_suggestion": {"name": "a"}}`,
	}
	for name, answer := range cases {
		t.Run(name, func(t *testing.T) {
			stub := &stubMessagesClient{resp: textMessage(answer)}
			c := newTestClassifier(t, stub)
			_, err := c.Classify(context.Background(), testInput())
			require.Error(t, err)
		})
	}
}

func TestClassifyPendingSuggestionsInPrompt(t *testing.T) {
	stub := &stubMessagesClient{resp: textMessage(
		`{"intent": "other", "confidence": 0.1, "reasoning": "none"}`,
	)}
	c := newTestClassifier(t, stub)

	in := testInput()
	in.PendingSuggestions = []string{"refund_request"}
	_, err := c.Classify(context.Background(), in)
	require.NoError(t, err)
	assert.Contains(t, stub.lastParams.System[0].Text, "refund_request")
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil, Options{Model: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
}

func TestUserPromptTruncatesContent(t *testing.T) {
	stub := &stubMessagesClient{}
	c, err := New(stub, Options{Model: "m", MaxContentChars: 10})
	require.NoError(t, err)

	in := testInput()
	in.Event.Content = "0123456789abcdef"
	prompt := c.userPrompt(in)
	assert.Contains(t, prompt, "0123456789")
	assert.NotContains(t, prompt, "abcdef")
}
