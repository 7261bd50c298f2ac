// Package classify defines the classification port used by the dispatcher.
// A classifier maps an incoming event onto one intent from the active catalog
// and may propose a brand-new intent when nothing fits well enough.
package classify

import (
	"context"

	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/intents"
)

type (
	// Input carries everything a classifier may consult: the event itself,
	// the active intent catalog and the names of intents already proposed
	// but not yet reviewed. Pending names let the classifier avoid proposing
	// the same intent twice.
	Input struct {
		Event              *event.UnifiedEvent
		Catalog            []intents.Entry
		PendingSuggestions []string
	}

	// Suggestion describes a proposed new intent for human review.
	// Confidence is the classifier's confidence in the proposal itself,
	// independent of the match confidence on the existing catalog.
	Suggestion struct {
		Name        string  `json:"name"`
		Label       string  `json:"label"`
		Description string  `json:"description"`
		HandlerHint string  `json:"handler_hint,omitempty"`
		Confidence  float64 `json:"confidence"`
	}

	// Result is the classification outcome. Intent is always set; the
	// fallback intent marks events no catalog entry claims.
	Result struct {
		Intent        string      `json:"intent"`
		Confidence    float64     `json:"confidence"`
		Reasoning     string      `json:"reasoning"`
		NewSuggestion *Suggestion `json:"new_suggestion,omitempty"`
	}

	// Classifier assigns an intent to an event.
	Classifier interface {
		Classify(ctx context.Context, in Input) (Result, error)
	}

	// Thresholds tune how classification results are acted on. A result
	// below Accept is demoted to the fallback intent; a new-intent proposal
	// below Propose is discarded.
	Thresholds struct {
		Accept  float64 `yaml:"accept"`
		Propose float64 `yaml:"propose"`
	}
)

// Default threshold values.
const (
	DefaultAcceptThreshold  = 0.0
	DefaultProposeThreshold = 0.6
)

// DefaultThresholds returns the stock threshold configuration.
func DefaultThresholds() Thresholds {
	return Thresholds{Accept: DefaultAcceptThreshold, Propose: DefaultProposeThreshold}
}

// Fallback builds the result used when classification cannot run or fails.
// The cause ends up in the stored reasoning so operators can tell a failed
// classifier apart from a genuine non-match.
func Fallback(cause string) Result {
	return Result{
		Intent:     intents.FallbackIntent,
		Confidence: 0.0,
		Reasoning:  "classifier_failed:" + cause,
	}
}

// Apply enforces the thresholds on a raw classifier result: demote
// low-confidence matches to the fallback intent and drop weak proposals.
func (t Thresholds) Apply(r Result) Result {
	if r.Intent == "" || r.Confidence < t.Accept {
		r.Intent = intents.FallbackIntent
	}
	if r.NewSuggestion != nil && r.NewSuggestion.Confidence < t.Propose {
		r.NewSuggestion = nil
	}
	return r
}
