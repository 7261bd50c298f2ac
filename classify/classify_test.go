package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailroom-io/mailroom/intents"
)

func TestFallback(t *testing.T) {
	r := Fallback("timeout")
	assert.Equal(t, intents.FallbackIntent, r.Intent)
	assert.Zero(t, r.Confidence)
	assert.Equal(t, "classifier_failed:timeout", r.Reasoning)
	assert.Nil(t, r.NewSuggestion)
}

func TestThresholdsApply(t *testing.T) {
	th := DefaultThresholds()

	t.Run("keeps confident match", func(t *testing.T) {
		r := th.Apply(Result{Intent: "invoice", Confidence: 0.9})
		assert.Equal(t, "invoice", r.Intent)
	})

	t.Run("demotes empty intent", func(t *testing.T) {
		r := th.Apply(Result{Confidence: 0.9})
		assert.Equal(t, intents.FallbackIntent, r.Intent)
	})

	t.Run("demotes below accept threshold", func(t *testing.T) {
		strict := Thresholds{Accept: 0.5, Propose: 0.6}
		r := strict.Apply(Result{Intent: "invoice", Confidence: 0.4})
		assert.Equal(t, intents.FallbackIntent, r.Intent)
	})

	t.Run("drops weak proposal", func(t *testing.T) {
		r := th.Apply(Result{
			Intent:        intents.FallbackIntent,
			NewSuggestion: &Suggestion{Name: "refund_request", Label: "Refund", Confidence: 0.4},
		})
		assert.Nil(t, r.NewSuggestion)
	})

	t.Run("keeps strong proposal", func(t *testing.T) {
		r := th.Apply(Result{
			Intent:        intents.FallbackIntent,
			NewSuggestion: &Suggestion{Name: "refund_request", Label: "Refund", Confidence: 0.8},
		})
		assert.NotNil(t, r.NewSuggestion)
	})
}
