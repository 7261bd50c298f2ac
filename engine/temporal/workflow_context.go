package temporal

import (
	"context"
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/mailroom-io/mailroom/engine"
)

type workflowContext struct {
	eng        *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
}

var _ engine.WorkflowContext = (*workflowContext)(nil)

func newWorkflowContext(e *Engine, ctx workflow.Context) *workflowContext {
	info := workflow.GetInfo(ctx)
	return &workflowContext{
		eng:        e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
	}
}

// Context exposes cancellation state only. Temporal cancels its own
// workflow.Context rather than a Go context, so the adapter reports Err from
// the workflow scope.
func (w *workflowContext) Context() context.Context {
	return &doneContext{err: w.ctx.Err}
}

func (w *workflowContext) WorkflowID() string { return w.workflowID }

func (w *workflowContext) RunID() string { return w.runID }

func (w *workflowContext) Now() time.Time {
	return workflow.Now(w.ctx)
}

func (w *workflowContext) Sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	return workflow.Sleep(w.ctx, d)
}

func (w *workflowContext) NewTimer(d time.Duration) engine.Future {
	if d < 0 {
		d = 0
	}
	return &timerFuture{future: workflow.NewTimer(w.ctx, d), ctx: w.ctx}
}

func (w *workflowContext) ExecuteActivity(name string, input []byte, opts engine.ActivityOptions) ([]byte, error) {
	if name == "" {
		return nil, errors.New("activity name is required")
	}
	actx := workflow.WithActivityOptions(w.ctx, w.activityOptionsFor(name, opts))
	fut := workflow.ExecuteActivity(actx, name, input)
	var out []byte
	if err := fut.Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) ExecuteChildWorkflow(name string, input []byte, id string) ([]byte, error) {
	if name == "" {
		return nil, errors.New("child workflow name is required")
	}
	if id == "" {
		id = w.workflowID + ":" + name
	}
	cctx := workflow.WithChildOptions(w.ctx, workflow.ChildWorkflowOptions{WorkflowID: id})
	var out []byte
	if err := workflow.ExecuteChildWorkflow(cctx, name, input).Get(cctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *workflowContext) Signals(name string) engine.Receiver {
	return &signalReceiver{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, name)}
}

func (w *workflowContext) SetQueryHandler(name string, handler func() ([]byte, error)) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *workflowContext) Await(condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	return workflow.Await(w.ctx, condition)
}

func (w *workflowContext) activityOptionsFor(name string, override engine.ActivityOptions) workflow.ActivityOptions {
	defaults := w.eng.activityDefaultsFor(name)

	queue := override.Queue
	if queue == "" {
		queue = defaults.Queue
	}
	if queue == "" {
		queue = w.eng.defaultQueue
	}

	timeout := override.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	if timeout == 0 {
		timeout = time.Minute
	}

	retry := mergeRetryPolicies(defaults.RetryPolicy, override.RetryPolicy)

	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		TaskQueue:           queue,
		RetryPolicy:         convertRetryPolicy(retry),
	}
}

type timerFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *timerFuture) Get(_ context.Context) error {
	return f.future.Get(f.ctx, nil)
}

func (f *timerFuture) IsReady() bool {
	return f.future.IsReady()
}

type signalReceiver struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *signalReceiver) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	r.ch.Receive(r.ctx, &out)
	return out, nil
}

func (r *signalReceiver) ReceiveAsync() ([]byte, bool) {
	var out []byte
	if ok := r.ch.ReceiveAsync(&out); ok {
		return out, true
	}
	return nil, false
}

func (r *signalReceiver) Pending() bool {
	return r.ch.Len() > 0
}

// doneContext adapts workflow cancellation to context.Context for code that
// only checks Err.
type doneContext struct {
	err func() error
}

func (c *doneContext) Deadline() (time.Time, bool) { return time.Time{}, false }

func (c *doneContext) Done() <-chan struct{} { return nil }

func (c *doneContext) Err() error { return c.err() }

func (c *doneContext) Value(key any) any { return nil }

func mergeRetryPolicies(base, override engine.RetryPolicy) engine.RetryPolicy {
	out := base
	if override.MaxAttempts != 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.InitialInterval != 0 {
		out.InitialInterval = override.InitialInterval
	}
	if override.MaxInterval != 0 {
		out.MaxInterval = override.MaxInterval
	}
	if override.BackoffCoefficient != 0 {
		out.BackoffCoefficient = override.BackoffCoefficient
	}
	return out
}

func convertRetryPolicy(r engine.RetryPolicy) *temporal.RetryPolicy {
	if r.MaxAttempts == 0 && r.InitialInterval == 0 && r.MaxInterval == 0 && r.BackoffCoefficient == 0 {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = int32(r.MaxAttempts)
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		policy.MaximumInterval = r.MaxInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	return policy
}
