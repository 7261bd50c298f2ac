package suggest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mailroom-io/mailroom/intents"
	"github.com/mailroom-io/mailroom/telemetry"
)

type (
	// Materializer turns an approved suggestion into the real entity it
	// proposed. Materializers are registered per kind.
	Materializer func(ctx context.Context, rec Record) error

	// Notifier signals an interested workflow after a review decision.
	// Notification failures are logged, never returned: the decision is
	// already durable by the time the notifier runs.
	Notifier interface {
		SignalWorkflow(ctx context.Context, workflowID, signal string, payload any) error
	}

	// ServiceOptions configures the review service.
	ServiceOptions struct {
		Store         Store
		Materializers map[Kind]Materializer
		Notifier      Notifier
		Logger        telemetry.Logger
		Metrics       telemetry.Metrics

		// Now overrides the clock in tests.
		Now func() time.Time
	}

	// Service coordinates suggestion creation and review.
	Service struct {
		store    Store
		material map[Kind]Materializer
		notifier Notifier
		log      telemetry.Logger
		metrics  telemetry.Metrics
		now      func() time.Time
	}

	// CreateInput describes a proposal to record.
	CreateInput struct {
		Kind          Kind
		Key           string
		Label         string
		Description   string
		HandlerHint   string
		Confidence    float64
		SourceEventID string
		// WorkflowID names the workflow holding for this suggestion's
		// review, if any. The review decision is signaled to it.
		WorkflowID string
		Payload    map[string]string
	}
)

// NewService validates the options and builds the service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("suggestion store is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	material := make(map[Kind]Materializer, len(opts.Materializers))
	for k, m := range opts.Materializers {
		material[k] = m
	}
	return &Service{
		store:    opts.Store,
		material: material,
		notifier: opts.Notifier,
		log:      log,
		metrics:  metrics,
		now:      now,
	}, nil
}

// IntentMaterializer returns the materializer that creates a catalog entry
// from an approved new-intent suggestion. The entry starts active with the
// fallback agent handler unless the suggestion hints at a workflow.
func IntentMaterializer(store intents.Store) Materializer {
	return func(ctx context.Context, rec Record) error {
		handler := intents.Handler{Kind: intents.HandlerAgent}
		if rec.HandlerHint == string(intents.HandlerWorkflow) {
			handler.Kind = intents.HandlerWorkflow
			handler.Workflow = rec.Payload["workflow"]
		}
		return store.Upsert(ctx, intents.Entry{
			Name:        rec.Key,
			Label:       rec.Label,
			Description: rec.Description,
			Active:      true,
			Handler:     handler,
		})
	}
}

// Create records a proposal. When a pending suggestion for the same kind
// and key already exists, the existing record is returned and created is
// false.
func (s *Service) Create(ctx context.Context, in CreateInput) (Record, bool, error) {
	if in.Kind == "" || in.Key == "" {
		return Record{}, false, errors.New("suggestion kind and key are required")
	}
	if existing, err := s.store.FindPending(ctx, in.Kind, in.Key); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return Record{}, false, fmt.Errorf("lookup pending suggestion: %w", err)
	}

	rec := Record{
		SuggestionID:  uuid.NewString(),
		Kind:          in.Kind,
		Key:           in.Key,
		Label:         in.Label,
		Description:   in.Description,
		HandlerHint:   in.HandlerHint,
		Confidence:    in.Confidence,
		SourceEventID: in.SourceEventID,
		WorkflowID:    in.WorkflowID,
		Payload:       in.Payload,
		Status:        StatusPending,
		CreatedAt:     s.now(),
	}
	if err := s.store.Insert(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicatePending) {
			// Lost the race to a concurrent dispatcher.
			existing, ferr := s.store.FindPending(ctx, in.Kind, in.Key)
			if ferr != nil {
				return Record{}, false, fmt.Errorf("refetch pending suggestion: %w", ferr)
			}
			return existing, false, nil
		}
		return Record{}, false, fmt.Errorf("insert suggestion: %w", err)
	}
	s.metrics.IncCounter(telemetry.CounterSuggestionsPending, 1, "kind", string(in.Kind))
	s.log.Info(ctx, "suggestion recorded",
		"suggestion_id", rec.SuggestionID, "kind", string(rec.Kind), "key", rec.Key)
	return rec, true, nil
}

// Approve materializes the proposed entity and marks the suggestion
// approved. Approving an already approved suggestion returns it unchanged.
// Materialization runs before the status flip so a failed create leaves the
// suggestion pending and retryable.
func (s *Service) Approve(ctx context.Context, suggestionID, reviewerID, comment string) (Record, error) {
	rec, err := s.store.Get(ctx, suggestionID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusApproved {
		return rec, nil
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, suggestionID, rec.Status)
	}
	if m, ok := s.material[rec.Kind]; ok {
		if err := m(ctx, rec); err != nil {
			return Record{}, fmt.Errorf("materialize %s suggestion: %w", rec.Kind, err)
		}
	}
	return s.finish(ctx, suggestionID, Review{
		Status:     StatusApproved,
		ReviewerID: reviewerID,
		Comment:    comment,
	})
}

// Reject marks the suggestion rejected. Rejecting an already rejected
// suggestion returns it unchanged.
func (s *Service) Reject(ctx context.Context, suggestionID, reviewerID, comment string) (Record, error) {
	rec, err := s.store.Get(ctx, suggestionID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusRejected {
		return rec, nil
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, suggestionID, rec.Status)
	}
	return s.finish(ctx, suggestionID, Review{
		Status:     StatusRejected,
		ReviewerID: reviewerID,
		Comment:    comment,
	})
}

// Merge marks the suggestion as folded into an existing entity.
func (s *Service) Merge(ctx context.Context, suggestionID, reviewerID, intoKey string) (Record, error) {
	if intoKey == "" {
		return Record{}, errors.New("merge target is required")
	}
	rec, err := s.store.Get(ctx, suggestionID)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusMerged && rec.MergedInto == intoKey {
		return rec, nil
	}
	if rec.Status.Terminal() {
		return Record{}, fmt.Errorf("%w: %s is %s", ErrInvalidTransition, suggestionID, rec.Status)
	}
	return s.finish(ctx, suggestionID, Review{
		Status:     StatusMerged,
		ReviewerID: reviewerID,
		MergedInto: intoKey,
	})
}

// List pages through suggestions matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Record, int64, error) {
	f.Normalize()
	return s.store.List(ctx, f)
}

// PendingKeys returns the keys of all pending suggestions of a kind. The
// classifier uses them to avoid re-proposing an intent already in review.
func (s *Service) PendingKeys(ctx context.Context, kind Kind) ([]string, error) {
	recs, _, err := s.store.List(ctx, Filter{Kind: kind, Status: StatusPending, Page: 1, PageSize: 500})
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(recs))
	for i, rec := range recs {
		keys[i] = rec.Key
	}
	return keys, nil
}

func (s *Service) finish(ctx context.Context, suggestionID string, review Review) (Record, error) {
	rec, err := s.store.Apply(ctx, suggestionID, review)
	if err != nil {
		return Record{}, err
	}
	s.metrics.IncCounter(telemetry.CounterSuggestionsPending, -1, "kind", string(rec.Kind))
	s.log.Info(ctx, "suggestion reviewed",
		"suggestion_id", rec.SuggestionID, "status", string(rec.Status), "reviewer_id", review.ReviewerID)
	if s.notifier != nil && rec.WorkflowID != "" {
		if err := s.notifier.SignalWorkflow(ctx, rec.WorkflowID, "suggestion_reviewed", rec); err != nil {
			s.log.Warn(ctx, "suggestion review signal failed",
				"workflow_id", rec.WorkflowID, "error", err.Error())
		}
	}
	return rec, nil
}
