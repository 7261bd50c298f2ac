// Package approval implements a durable human approval workflow. A request
// is announced to reviewers, then the workflow waits for an approve or
// reject signal until a deadline. The decision, or the timeout, is recorded
// through an activity so it survives process restarts. Workflow state is
// queryable at any point, including after completion on engines that retain
// history.
package approval

import (
	"time"
)

// Engine-facing names. Signals and queries address workflows by these
// constants, so they are part of the package contract.
const (
	WorkflowName           = "ApprovalWorkflow"
	ActivityNotify         = "approval_notify"
	ActivityRecordDecision = "approval_record_decision"

	SignalApprove = "approve"
	SignalReject  = "reject"
	QueryDetails  = "get_details"
)

// DefaultTimeoutHours applies when a request does not set a deadline.
const DefaultTimeoutHours = 72

// Status is the terminal outcome of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimedOut Status = "timed_out"
	StatusFailed   Status = "failed"
)

type (
	// Request describes what needs review.
	Request struct {
		RequestID    string            `json:"request_id"`
		Kind         string            `json:"kind"`
		Title        string            `json:"title"`
		Details      map[string]string `json:"details,omitempty"`
		RequestedBy  string            `json:"requested_by,omitempty"`
		TimeoutHours float64           `json:"timeout_hours,omitempty"`
	}

	// Decision is the payload of an approve or reject signal.
	Decision struct {
		ReviewerID string `json:"reviewer_id"`
		Comment    string `json:"comment,omitempty"`
	}

	// Result is the workflow output.
	Result struct {
		RequestID  string    `json:"request_id"`
		Status     Status    `json:"status"`
		ReviewerID string    `json:"reviewer_id,omitempty"`
		Comment    string    `json:"comment,omitempty"`
		DecidedAt  time.Time `json:"decided_at"`
	}

	// State is the get_details query response.
	State struct {
		Request Request   `json:"request"`
		Status  Status    `json:"status"`
		Result  *Result   `json:"result,omitempty"`
		Started time.Time `json:"started"`
	}
)

// WorkflowID derives the deterministic workflow id for a request, which
// makes starts and signals addressable from any process.
func WorkflowID(requestID string) string {
	return "approval-" + requestID
}

// Timeout returns the request deadline as a duration.
func (r Request) Timeout() time.Duration {
	hours := r.TimeoutHours
	if hours <= 0 {
		hours = DefaultTimeoutHours
	}
	return time.Duration(hours * float64(time.Hour))
}
