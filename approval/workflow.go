package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mailroom-io/mailroom/engine"
	"github.com/mailroom-io/mailroom/telemetry"
)

type (
	// Notifier announces a new approval request to reviewers. The engine
	// retries failures per the registered policy.
	Notifier interface {
		Notify(ctx context.Context, req Request) error
	}

	// Recorder persists the final decision.
	Recorder interface {
		RecordDecision(ctx context.Context, res Result) error
	}

	// Options wires the workflow and its activities into an engine.
	Options struct {
		Engine   engine.Engine
		Notifier Notifier
		Recorder Recorder
		Logger   telemetry.Logger
	}

	// Service starts, signals and queries approval workflows.
	Service struct {
		eng engine.Engine
		log telemetry.Logger
	}
)

var notifyRetry = engine.RetryPolicy{
	MaxAttempts:        3,
	InitialInterval:    time.Second,
	MaxInterval:        30 * time.Second,
	BackoffCoefficient: 2,
}

var recordRetry = engine.RetryPolicy{
	MaxAttempts:        5,
	InitialInterval:    time.Second,
	MaxInterval:        30 * time.Second,
	BackoffCoefficient: 2,
}

// Register installs the approval workflow and its activities and returns
// the service used to drive them.
func Register(ctx context.Context, opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}

	if err := opts.Engine.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    ActivityNotify,
		Options: engine.ActivityOptions{RetryPolicy: notifyRetry, Timeout: 30 * time.Second},
		Handler: func(actx context.Context, input []byte) ([]byte, error) {
			var req Request
			if err := json.Unmarshal(input, &req); err != nil {
				return nil, fmt.Errorf("decode approval request: %w", err)
			}
			return nil, opts.Notifier.Notify(actx, req)
		},
	}); err != nil {
		return nil, err
	}
	if err := opts.Engine.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    ActivityRecordDecision,
		Options: engine.ActivityOptions{RetryPolicy: recordRetry, Timeout: 30 * time.Second},
		Handler: func(actx context.Context, input []byte) ([]byte, error) {
			var res Result
			if err := json.Unmarshal(input, &res); err != nil {
				return nil, fmt.Errorf("decode approval result: %w", err)
			}
			return nil, opts.Recorder.RecordDecision(actx, res)
		},
	}); err != nil {
		return nil, err
	}
	if err := opts.Engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:    WorkflowName,
		Handler: Workflow,
	}); err != nil {
		return nil, err
	}
	return &Service{eng: opts.Engine, log: log}, nil
}

// Start launches the approval workflow for a request. Starting the same
// request twice returns the existing execution.
func (s *Service) Start(ctx context.Context, req Request) (engine.WorkflowHandle, error) {
	if req.RequestID == "" {
		return nil, errors.New("request id is required")
	}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return s.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:       WorkflowID(req.RequestID),
		Workflow: WorkflowName,
		Input:    input,
	})
}

// Approve delivers an approve signal for the request.
func (s *Service) Approve(ctx context.Context, requestID string, d Decision) error {
	return s.signal(ctx, requestID, SignalApprove, d)
}

// Reject delivers a reject signal for the request.
func (s *Service) Reject(ctx context.Context, requestID string, d Decision) error {
	return s.signal(ctx, requestID, SignalReject, d)
}

// Details queries the current workflow state.
func (s *Service) Details(ctx context.Context, requestID string) (State, error) {
	out, err := s.eng.QueryWorkflow(ctx, WorkflowID(requestID), "", QueryDetails)
	if err != nil {
		return State{}, err
	}
	var state State
	if err := json.Unmarshal(out, &state); err != nil {
		return State{}, fmt.Errorf("decode approval state: %w", err)
	}
	return state, nil
}

func (s *Service) signal(ctx context.Context, requestID, name string, d Decision) error {
	if requestID == "" {
		return errors.New("request id is required")
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.eng.SignalWorkflow(ctx, WorkflowID(requestID), "", name, payload)
}

// Workflow is the approval workflow entry point. The details query is
// registered before any activity so the request is inspectable from the
// first moment of execution.
func Workflow(ctx engine.WorkflowContext, input []byte) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("decode approval request: %w", err)
	}

	state := State{Request: req, Status: StatusPending, Started: ctx.Now()}
	if err := ctx.SetQueryHandler(QueryDetails, func() ([]byte, error) {
		return json.Marshal(state)
	}); err != nil {
		return nil, err
	}

	finish := func(res Result) ([]byte, error) {
		state.Status = res.Status
		state.Result = &res
		if _, err := ctx.ExecuteActivity(ActivityRecordDecision, mustJSON(res), engine.ActivityOptions{}); err != nil {
			res.Status = StatusFailed
			res.Comment = "record decision: " + err.Error()
			state.Status = res.Status
			state.Result = &res
		}
		return json.Marshal(res)
	}

	if _, err := ctx.ExecuteActivity(ActivityNotify, input, engine.ActivityOptions{}); err != nil {
		return finish(Result{
			RequestID: req.RequestID,
			Status:    StatusFailed,
			Comment:   "notify reviewers: " + err.Error(),
			DecidedAt: ctx.Now(),
		})
	}

	approvals := ctx.Signals(SignalApprove)
	rejections := ctx.Signals(SignalReject)
	deadline := ctx.NewTimer(req.Timeout())

	if err := ctx.Await(func() bool {
		return approvals.Pending() || rejections.Pending() || deadline.IsReady()
	}); err != nil {
		return nil, err
	}

	// Approvals win when both signals raced in before the wakeup.
	var (
		payload  []byte
		approved bool
		received bool
	)
	if p, ok := approvals.ReceiveAsync(); ok {
		payload, approved, received = p, true, true
	} else if p, ok := rejections.ReceiveAsync(); ok {
		payload, approved, received = p, false, true
	}

	if !received {
		return finish(Result{
			RequestID: req.RequestID,
			Status:    StatusTimedOut,
			DecidedAt: ctx.Now(),
		})
	}

	var d Decision
	if err := json.Unmarshal(payload, &d); err != nil {
		return finish(Result{
			RequestID: req.RequestID,
			Status:    StatusFailed,
			Comment:   "decode decision: " + err.Error(),
			DecidedAt: ctx.Now(),
		})
	}
	status := StatusRejected
	if approved {
		status = StatusApproved
	}
	// Signals landing after this point stay unread and are ignored.
	return finish(Result{
		RequestID:  req.RequestID,
		Status:     status,
		ReviewerID: d.ReviewerID,
		Comment:    d.Comment,
		DecidedAt:  ctx.Now(),
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
