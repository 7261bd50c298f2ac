// Package rules implements a deterministic keyword classifier. It is the
// default when no model-backed classifier is configured and the baseline the
// model classifier falls back to in tests.
package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/intents"
)

// Classifier scores catalog entries by keyword hits on the event content.
// The entry with the highest hit fraction wins; catalog order breaks ties,
// so higher-priority intents win contested events.
type Classifier struct{}

var _ classify.Classifier = Classifier{}

// New returns the keyword classifier.
func New() Classifier { return Classifier{} }

// Classify scores the event against every active catalog entry. An event no
// entry claims maps to the fallback intent with zero confidence.
func (Classifier) Classify(ctx context.Context, in classify.Input) (classify.Result, error) {
	if in.Event == nil {
		return classify.Result{}, fmt.Errorf("event is required")
	}
	text := strings.ToLower(in.Event.Content)
	if subject := in.Event.Metadata["subject"]; subject != "" {
		text += "\n" + strings.ToLower(subject)
	}

	var (
		best      *intents.Entry
		bestScore float64
		bestHits  []string
	)
	for i := range in.Catalog {
		entry := &in.Catalog[i]
		if !entry.Active || len(entry.Keywords) == 0 {
			continue
		}
		hits := matchKeywords(text, entry.Keywords)
		if len(hits) == 0 {
			continue
		}
		score := float64(len(hits)) / float64(len(entry.Keywords))
		if score > bestScore {
			best, bestScore, bestHits = entry, score, hits
		}
	}
	if best == nil {
		return classify.Result{
			Intent:     intents.FallbackIntent,
			Confidence: 0.0,
			Reasoning:  "no catalog keywords matched",
		}, nil
	}
	sort.Strings(bestHits)
	return classify.Result{
		Intent:     best.Name,
		Confidence: bestScore,
		Reasoning:  "matched keywords: " + strings.Join(bestHits, ", "),
	}, nil
}

func matchKeywords(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}
