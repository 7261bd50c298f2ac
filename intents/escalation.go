package intents

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// RuleKind names the escalation predicate forms.
type RuleKind string

// Rule kinds.
const (
	RuleAlways   RuleKind = "always"
	RuleAmountGT RuleKind = "amount_gt"
	RuleKeywords RuleKind = "keywords"
)

// EscalationRule is the predicate attached to an intent. Exactly one form is
// active per rule, selected by Kind.
type EscalationRule struct {
	Kind     RuleKind `json:"kind" bson:"kind" yaml:"kind"`
	Amount   float64  `json:"amount,omitempty" bson:"amount,omitempty" yaml:"amount,omitempty"`
	Keywords []string `json:"keywords,omitempty" bson:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// numberPattern tokenizes monetary-looking values, allowing thousands
// separators ("1,250,000.50").
var numberPattern = regexp.MustCompile(`\d{1,3}(?:,\d{3})+(?:\.\d+)?|\d+(?:\.\d+)?`)

// Validate checks the rule is well formed.
func (r *EscalationRule) Validate() error {
	switch r.Kind {
	case RuleAlways:
		return nil
	case RuleAmountGT:
		if r.Amount < 0 {
			return fmt.Errorf("escalation rule: amount must be non-negative")
		}
		return nil
	case RuleKeywords:
		if len(r.Keywords) == 0 {
			return fmt.Errorf("escalation rule: keywords list is empty")
		}
		return nil
	default:
		return fmt.Errorf("escalation rule: unknown kind %q", r.Kind)
	}
}

// Evaluate reports whether the rule fires for the given event content. A nil
// rule never fires.
func (r *EscalationRule) Evaluate(content string) bool {
	if r == nil {
		return false
	}
	switch r.Kind {
	case RuleAlways:
		return true
	case RuleAmountGT:
		max, ok := maxAmount(content)
		return ok && max > r.Amount
	case RuleKeywords:
		lower := strings.ToLower(content)
		for _, kw := range r.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// maxAmount extracts every numeric token from the content and returns the
// largest.
func maxAmount(content string) (float64, bool) {
	tokens := numberPattern.FindAllString(content, -1)
	var (
		max   float64
		found bool
	)
	for _, tok := range tokens {
		v, err := strconv.ParseFloat(strings.ReplaceAll(tok, ",", ""), 64)
		if err != nil {
			continue
		}
		if !found || v > max {
			max = v
			found = true
		}
	}
	return max, found
}
