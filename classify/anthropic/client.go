// Package anthropic implements classify.Classifier on the Anthropic Claude
// Messages API. The model receives the event plus the active intent catalog
// and must answer with a single JSON object, which is validated against a
// schema before it is trusted.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/time/rate"

	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/intents"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK used by the
	// classifier. It is satisfied by *sdk.MessageService so tests can pass
	// a mock instead of a real client.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the classifier.
	Options struct {
		// Model is the Claude model identifier. Required.
		Model string

		// MaxTokens caps the completion. Defaults to DefaultMaxTokens.
		MaxTokens int

		// Timeout bounds a single classification call. Defaults to
		// DefaultTimeout.
		Timeout time.Duration

		// Limiter throttles outbound requests. Nil means unthrottled.
		Limiter *rate.Limiter

		// MaxContentChars truncates the event content included in the
		// prompt. Defaults to DefaultMaxContentChars.
		MaxContentChars int
	}

	// Classifier implements classify.Classifier on Claude Messages.
	Classifier struct {
		msg      MessagesClient
		model    string
		maxTok   int
		timeout  time.Duration
		limiter  *rate.Limiter
		maxChars int
	}
)

const (
	// DefaultMaxTokens bounds the model answer. Classification responses
	// are small JSON objects.
	DefaultMaxTokens = 1024

	// DefaultTimeout bounds one classification round trip.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxContentChars keeps oversized mail bodies from blowing up
	// the prompt.
	DefaultMaxContentChars = 8000
)

var _ classify.Classifier = (*Classifier)(nil)

// resultSchema validates the shape of the model answer before any field is
// trusted. Confidence outside [0, 1] and missing fields are rejected here
// rather than handled downstream.
const resultSchema = `{
	"type": "object",
	"required": ["intent", "confidence", "reasoning"],
	"properties": {
		"intent": {"type": "string", "minLength": 1},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"reasoning": {"type": "string"},
		"new_suggestion": {
			"type": ["object", "null"],
			"required": ["name", "label", "description", "confidence"],
			"properties": {
				"name": {"type": "string", "minLength": 1},
				"label": {"type": "string", "minLength": 1},
				"description": {"type": "string"},
				"handler_hint": {"type": "string"},
				"confidence": {"type": "number", "minimum": 0, "maximum": 1}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(resultSchema))
	if err != nil {
		panic(fmt.Sprintf("classification schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("classification.json", doc); err != nil {
		panic(fmt.Sprintf("classification schema: %v", err))
	}
	return c.MustCompile("classification.json")
}

// New builds a Claude-backed classifier from the provided Messages client
// and options.
func New(msg MessagesClient, opts Options) (*Classifier, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = DefaultMaxTokens
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxChars := opts.MaxContentChars
	if maxChars <= 0 {
		maxChars = DefaultMaxContentChars
	}
	return &Classifier{
		msg:      msg,
		model:    opts.Model,
		maxTok:   maxTok,
		timeout:  timeout,
		limiter:  opts.Limiter,
		maxChars: maxChars,
	}, nil
}

// NewFromAPIKey constructs a classifier using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Classifier, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Classify asks the model to pick an intent for the event. A model answer
// that names an intent outside the catalog is demoted to the fallback
// intent with the original reasoning preserved.
func (c *Classifier) Classify(ctx context.Context, in classify.Input) (classify.Result, error) {
	if in.Event == nil {
		return classify.Result{}, errors.New("event is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return classify.Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := sdk.MessageNewParams{
		MaxTokens: int64(c.maxTok),
		Model:     sdk.Model(c.model),
		System:    []sdk.TextBlockParam{{Text: systemPrompt(in.Catalog, in.PendingSuggestions)}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(c.userPrompt(in))),
		},
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return classify.Result{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	text := responseText(msg)
	if text == "" {
		return classify.Result{}, errors.New("empty model response")
	}
	res, err := parseResult(text)
	if err != nil {
		return classify.Result{}, err
	}
	if !catalogHas(in.Catalog, res.Intent) {
		res.Reasoning = fmt.Sprintf("unknown intent %q: %s", res.Intent, res.Reasoning)
		res.Intent = intents.FallbackIntent
	}
	return res, nil
}

func systemPrompt(catalog []intents.Entry, pending []string) string {
	var b strings.Builder
	b.WriteString("You classify incoming events for an operations team. ")
	b.WriteString("Pick exactly one intent name from the catalog below. ")
	b.WriteString("Use \"" + intents.FallbackIntent + "\" when nothing fits. ")
	b.WriteString("Answer with a single JSON object and nothing else, shaped as ")
	b.WriteString(`{"intent": string, "confidence": number 0..1, "reasoning": string, "new_suggestion": object or null}.`)
	b.WriteString("\n\nCatalog:\n")
	for _, e := range catalog {
		if !e.Active {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", e.Name, e.Label)
		if e.Description != "" {
			b.WriteString(" -- " + e.Description)
		}
		if len(e.Keywords) > 0 {
			b.WriteString(" (keywords: " + strings.Join(e.Keywords, ", ") + ")")
		}
		b.WriteByte('\n')
		for _, ex := range e.Exemplars {
			fmt.Fprintf(&b, "  example: %s\n", ex)
		}
	}
	b.WriteString("\nIf the event clearly belongs to a recurring category the catalog lacks, ")
	b.WriteString("set new_suggestion to {\"name\", \"label\", \"description\", \"handler_hint\", \"confidence\"} ")
	b.WriteString("with a snake_case name. Otherwise set it to null.")
	if len(pending) > 0 {
		b.WriteString(" Never re-propose these already pending intents: ")
		b.WriteString(strings.Join(pending, ", "))
		b.WriteByte('.')
	}
	return b.String()
}

func (c *Classifier) userPrompt(in classify.Input) string {
	e := in.Event
	content := e.Content
	if len(content) > c.maxChars {
		content = content[:c.maxChars]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Event type: %s\nSource: %s\n", e.Type, e.Source)
	if subject := e.Metadata["subject"]; subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", subject)
	}
	if e.UserName != "" || e.UserExternalID != "" {
		fmt.Fprintf(&b, "From: %s <%s>\n", e.UserName, e.UserExternalID)
	}
	if n := len(e.Attachments); n > 0 {
		fmt.Fprintf(&b, "Attachments: %d\n", n)
	}
	b.WriteString("\n")
	b.WriteString(content)
	return b.String()
}

// responseText concatenates the text blocks of the model answer.
func responseText(msg *sdk.Message) string {
	if msg == nil {
		return ""
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(b.String())
}

// parseResult validates the raw model answer against the schema and decodes
// it. Markdown code fences around the JSON are tolerated.
func parseResult(text string) (classify.Result, error) {
	text = stripFences(text)
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return classify.Result{}, fmt.Errorf("model response is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return classify.Result{}, fmt.Errorf("model response rejected by schema: %w", err)
	}
	var res classify.Result
	if err := json.Unmarshal([]byte(text), &res); err != nil {
		return classify.Result{}, fmt.Errorf("decode model response: %w", err)
	}
	return res, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}

func catalogHas(catalog []intents.Entry, name string) bool {
	if name == intents.FallbackIntent {
		return true
	}
	for _, e := range catalog {
		if e.Name == name {
			return true
		}
	}
	return false
}
