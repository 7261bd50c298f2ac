// Package intents holds the classifier's label universe: the intent catalog
// with per-intent handler hints and escalation rules.
package intents

import (
	"context"
	"errors"
	"time"
)

// FallbackIntent is the terminal catch-all entry. Exactly one entry with
// this name exists in every catalog; classification that matches nothing
// lands here.
const FallbackIntent = "other"

// HandlerKind selects what owns an event after classification.
type HandlerKind string

// Handler kinds.
const (
	HandlerAgent    HandlerKind = "agent"
	HandlerWorkflow HandlerKind = "workflow"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no entry matches the name.
	ErrNotFound = errors.New("intent not found")
)

type (
	// Handler names how events with this intent are processed: by an
	// external agent runner or by a named workflow. Config is opaque to
	// the pipeline and passed through to the handler.
	Handler struct {
		Kind     HandlerKind
		Workflow string
		Config   map[string]string
	}

	// Entry is one intent catalog record.
	Entry struct {
		Name        string
		Label       string
		Description string
		Exemplars   []string
		Keywords    []string
		Priority    int
		Active      bool
		Handler     Handler

		// Escalation optionally routes matching events to a dedicated
		// workflow when the rule fires.
		Escalation         *EscalationRule
		EscalationWorkflow string

		UpdatedAt time.Time
	}

	// Store persists the intent catalog.
	Store interface {
		// ListActive returns active entries sorted by priority,
		// highest first.
		ListActive(ctx context.Context) ([]Entry, error)

		// Get returns the entry by name, or ErrNotFound.
		Get(ctx context.Context, name string) (Entry, error)

		// Upsert creates or replaces the entry keyed by name.
		Upsert(ctx context.Context, entry Entry) error
	}
)

// EnsureFallback guarantees the catalog contains the terminal fallback
// entry. Safe to call on every startup.
func EnsureFallback(ctx context.Context, store Store) error {
	if _, err := store.Get(ctx, FallbackIntent); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return store.Upsert(ctx, Entry{
		Name:        FallbackIntent,
		Label:       "Other",
		Description: "Terminal fallback for events no other intent matches.",
		Priority:    -1,
		Active:      true,
		Handler:     Handler{Kind: HandlerAgent},
	})
}
