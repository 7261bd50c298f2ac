// Package engine defines the workflow engine abstraction used for durable
// event handling. Workflows and activities exchange opaque byte payloads so
// adapters (Temporal, in-memory) can be swapped without touching workflow
// code. Workflow handlers run in a deterministic environment: all I/O goes
// through activities, time comes from WorkflowContext.Now and timers from
// NewTimer.
package engine

import (
	"context"
	"errors"
	"time"
)

// RunStatus is the lifecycle state of a workflow execution.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

var (
	// ErrWorkflowNotFound reports an unknown workflow id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrWorkflowCompleted reports a signal sent to a finished workflow.
	ErrWorkflowCompleted = errors.New("workflow already completed")
)

type (
	// WorkflowFunc is a workflow entry point. Input and output are opaque
	// payloads, typically JSON. Handlers must be deterministic with
	// respect to activity results and signals.
	WorkflowFunc func(ctx WorkflowContext, input []byte) ([]byte, error)

	// ActivityFunc is an activity handler. Activities perform the actual
	// I/O on behalf of workflows and may be retried per their policy.
	ActivityFunc func(ctx context.Context, input []byte) ([]byte, error)

	// WorkflowDefinition binds a workflow handler to a logical name.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// ActivityDefinition binds an activity handler to a logical name with
	// its default options.
	ActivityDefinition struct {
		Name    string
		Options ActivityOptions
		Handler ActivityFunc
	}

	// ActivityOptions configures retries and timeouts for an activity.
	// Zero values fall back to the registered defaults, then to the
	// engine defaults.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// RetryPolicy defines retry semantics for activities and workflow
	// starts. Zero-valued fields mean engine defaults.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		MaxInterval        time.Duration
		BackoffCoefficient float64
	}

	// WorkflowStartRequest describes how to launch a workflow execution.
	WorkflowStartRequest struct {
		// ID is the workflow identifier, unique within the engine scope.
		ID string
		// Workflow names the registered definition to execute.
		Workflow string
		// TaskQueue overrides the definition's queue when set.
		TaskQueue string
		// Input is the payload handed to the workflow handler.
		Input []byte
		// RunTimeout bounds the total execution time. Zero means the
		// engine default.
		RunTimeout time.Duration
	}

	// Engine registers workflows and activities and runs executions.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow launches an execution. Starting an ID that was
		// already started returns the handle of the existing execution,
		// making workflow starts idempotent.
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)

		// SignalWorkflow delivers a named signal payload to a running
		// workflow. Signaling a finished workflow returns
		// ErrWorkflowCompleted.
		SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload []byte) error

		// QueryWorkflow invokes a query handler registered by the
		// workflow and returns its payload.
		QueryWorkflow(ctx context.Context, workflowID, runID, name string) ([]byte, error)

		// CancelWorkflow requests cancellation of a running workflow.
		CancelWorkflow(ctx context.Context, workflowID, runID string) error

		// Close releases engine resources.
		Close() error
	}

	// WorkflowHandle lets callers wait on a started execution.
	WorkflowHandle interface {
		WorkflowID() string
		RunID() string
		// Wait blocks until the workflow completes and returns its
		// output payload.
		Wait(ctx context.Context) ([]byte, error)
	}

	// WorkflowContext exposes deterministic operations to workflow
	// handlers. It is bound to a single execution and must not be shared
	// across goroutines.
	WorkflowContext interface {
		// Context returns a context usable for cancellation checks.
		Context() context.Context

		WorkflowID() string
		RunID() string

		// Now returns the replay-safe workflow time.
		Now() time.Time

		// Sleep pauses the workflow for the given duration in workflow
		// time.
		Sleep(d time.Duration) error

		// NewTimer schedules a durable timer. A non-positive duration
		// yields an already-ready future.
		NewTimer(d time.Duration) Future

		// ExecuteActivity schedules the named activity and blocks until
		// it completes.
		ExecuteActivity(name string, input []byte, opts ActivityOptions) ([]byte, error)

		// ExecuteChildWorkflow starts the named workflow as a child of
		// this execution and blocks until it completes. An empty id
		// derives one from the parent workflow id and the child name.
		ExecuteChildWorkflow(name string, input []byte, id string) ([]byte, error)

		// Signals returns the receiver for a named signal channel.
		Signals(name string) Receiver

		// SetQueryHandler registers a read-only query handler. Handlers
		// must be deterministic and side-effect free.
		SetQueryHandler(name string, handler func() ([]byte, error)) error

		// Await blocks until the condition returns true. The condition
		// must be deterministic and side-effect free; it is re-evaluated
		// whenever workflow state changes.
		Await(condition func() bool) error
	}

	// Future is a pending timer. Get blocks until it fires.
	Future interface {
		Get(ctx context.Context) error
		IsReady() bool
	}

	// Receiver delivers signal payloads to workflow code.
	Receiver interface {
		// Receive blocks until a payload arrives.
		Receive(ctx context.Context) ([]byte, error)

		// ReceiveAsync attempts to receive without blocking.
		ReceiveAsync() ([]byte, bool)

		// Pending reports whether a payload is buffered. Safe to use
		// inside Await conditions.
		Pending() bool
	}
)
