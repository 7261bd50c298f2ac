// Package suggest stores machine-proposed catalog changes awaiting human
// review. The classifier proposes new intents; other producers can propose
// work types, customers or contacts. A proposal stays pending until a
// reviewer approves, rejects or merges it, and approval materializes the
// proposed entity.
package suggest

import (
	"context"
	"errors"
	"time"
)

// Kind identifies what a suggestion proposes to create.
type Kind string

const (
	KindNewIntent Kind = "new_intent"
	KindWorkType  Kind = "work_type"
	KindCustomer  Kind = "customer"
	KindContact   Kind = "contact"
)

// Status is the review state of a suggestion.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusMerged   Status = "merged"
)

var (
	// ErrNotFound reports an unknown suggestion id or key.
	ErrNotFound = errors.New("suggestion not found")

	// ErrDuplicatePending reports an insert that would create a second
	// pending suggestion for the same kind and key.
	ErrDuplicatePending = errors.New("pending suggestion already exists")

	// ErrInvalidTransition reports a review action on a suggestion that
	// already reached a terminal status.
	ErrInvalidTransition = errors.New("invalid suggestion status transition")
)

type (
	// Record is one stored suggestion. Key is the natural key within the
	// kind, for new intents the proposed intent name. At most one pending
	// record exists per (kind, key).
	Record struct {
		SuggestionID  string            `json:"suggestion_id" bson:"suggestion_id"`
		Kind          Kind              `json:"kind" bson:"kind"`
		Key           string            `json:"key" bson:"key"`
		Label         string            `json:"label" bson:"label"`
		Description   string            `json:"description,omitempty" bson:"description,omitempty"`
		HandlerHint   string            `json:"handler_hint,omitempty" bson:"handler_hint,omitempty"`
		Confidence    float64           `json:"confidence" bson:"confidence"`
		SourceEventID string            `json:"source_event_id,omitempty" bson:"source_event_id,omitempty"`
		WorkflowID    string            `json:"workflow_id,omitempty" bson:"workflow_id,omitempty"`
		Payload       map[string]string `json:"payload,omitempty" bson:"payload,omitempty"`
		Status        Status            `json:"status" bson:"status"`
		CreatedAt     time.Time         `json:"created_at" bson:"created_at"`
		ReviewedAt    *time.Time        `json:"reviewed_at,omitempty" bson:"reviewed_at,omitempty"`
		ReviewerID    string            `json:"reviewer_id,omitempty" bson:"reviewer_id,omitempty"`
		ReviewComment string            `json:"review_comment,omitempty" bson:"review_comment,omitempty"`
		MergedInto    string            `json:"merged_into,omitempty" bson:"merged_into,omitempty"`
	}

	// Review carries the outcome of a human decision.
	Review struct {
		Status     Status
		ReviewerID string
		Comment    string
		MergedInto string
	}

	// Filter selects suggestions for listing. Zero values match
	// everything; Page is 1-based.
	Filter struct {
		Kind     Kind
		Status   Status
		Page     int
		PageSize int
	}

	// Store persists suggestions. Insert fails with ErrDuplicatePending
	// when a pending record for the same (kind, key) exists. Apply moves a
	// pending record to a terminal status and fails with
	// ErrInvalidTransition when the record is no longer pending.
	Store interface {
		Insert(ctx context.Context, rec Record) error
		Get(ctx context.Context, suggestionID string) (Record, error)
		FindPending(ctx context.Context, kind Kind, key string) (Record, error)
		List(ctx context.Context, f Filter) ([]Record, int64, error)
		Apply(ctx context.Context, suggestionID string, review Review) (Record, error)
	}
)

// DefaultPageSize bounds List when the filter does not set one.
const DefaultPageSize = 50

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusMerged
}

// Normalize clamps paging values to sane defaults.
func (f *Filter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > 500 {
		f.PageSize = DefaultPageSize
	}
}
