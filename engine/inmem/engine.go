// Package inmem provides an in-memory implementation of the workflow engine
// for tests and single-process development runs. It is not durable and not
// replay-safe.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mailroom-io/mailroom/engine"
)

type (
	// Engine runs workflows in goroutines with real time.
	Engine struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		runs       map[string]*run
	}

	// run outlives the workflow goroutine so queries and status checks
	// keep working after completion.
	run struct {
		workflowID string
		done       chan struct{}
		cancel     context.CancelFunc

		mu      sync.Mutex
		result  []byte
		err     error
		status  engine.RunStatus
		signals map[string]*signalQueue
		queries map[string]func() ([]byte, error)
	}

	wfCtx struct {
		ctx context.Context
		eng *Engine
		run *run
	}

	timerFuture struct {
		ready chan struct{}
	}

	signalQueue struct {
		mu     sync.Mutex
		items  [][]byte
		notify chan struct{}
	}
)

var (
	_ engine.Engine          = (*Engine)(nil)
	_ engine.WorkflowContext = (*wfCtx)(nil)
)

// New returns an empty in-memory engine.
func New() *Engine {
	return &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		runs:       make(map[string]*run),
	}
}

func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("workflow name and handler are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("activity name and handler are required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.ID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.Lock()
	if existing, ok := e.runs[req.ID]; ok {
		e.mu.Unlock()
		return &handle{run: existing}, nil
	}
	def, ok := e.workflows[req.Workflow]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow %q not registered", req.Workflow)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if req.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), req.RunTimeout)
	}
	r := &run{
		workflowID: req.ID,
		done:       make(chan struct{}),
		cancel:     cancel,
		status:     engine.RunStatusRunning,
		signals:    make(map[string]*signalQueue),
		queries:    make(map[string]func() ([]byte, error)),
	}
	e.runs[req.ID] = r
	e.mu.Unlock()

	go func() {
		defer close(r.done)
		out, err := def.Handler(&wfCtx{ctx: runCtx, eng: e, run: r}, req.Input)
		r.mu.Lock()
		r.result, r.err = out, err
		switch {
		case err == nil:
			r.status = engine.RunStatusCompleted
		case errors.Is(err, context.Canceled):
			r.status = engine.RunStatusCanceled
		default:
			r.status = engine.RunStatusFailed
		}
		r.mu.Unlock()
	}()
	return &handle{run: r}, nil
}

func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload []byte) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return engine.ErrWorkflowCompleted
	default:
	}
	r.queue(name).push(payload)
	return nil
}

func (e *Engine) QueryWorkflow(ctx context.Context, workflowID, runID, name string) ([]byte, error) {
	r, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	handler, ok := r.queries[name]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("workflow %s: no query handler %q", workflowID, name)
	}
	return handler()
}

func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, runID string) error {
	r, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	r.cancel()
	return nil
}

func (e *Engine) Close() error { return nil }

// RunStatus reports the lifecycle state of an execution.
func (e *Engine) RunStatus(workflowID string) (engine.RunStatus, error) {
	r, err := e.lookup(workflowID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, nil
}

func (e *Engine) lookup(workflowID string) (*run, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[workflowID]
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return r, nil
}

type handle struct {
	run *run
}

func (h *handle) WorkflowID() string { return h.run.workflowID }

// RunID mirrors the workflow ID: in-memory executions run at most once.
func (h *handle) RunID() string { return h.run.workflowID }

func (h *handle) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.run.done:
		h.run.mu.Lock()
		defer h.run.mu.Unlock()
		return h.run.result, h.run.err
	}
}

func (r *run) queue(name string) *signalQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.signals[name]
	if !ok {
		q = &signalQueue{notify: make(chan struct{}, 1)}
		r.signals[name] = q
	}
	return q
}

func (q *signalQueue) push(payload []byte) {
	q.mu.Lock()
	q.items = append(q.items, payload)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *signalQueue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (w *wfCtx) Context() context.Context { return w.ctx }

func (w *wfCtx) WorkflowID() string { return w.run.workflowID }

func (w *wfCtx) RunID() string { return w.run.workflowID }

func (w *wfCtx) Now() time.Time { return time.Now().UTC() }

func (w *wfCtx) Sleep(d time.Duration) error {
	if d <= 0 {
		return w.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (w *wfCtx) NewTimer(d time.Duration) engine.Future {
	fut := &timerFuture{ready: make(chan struct{})}
	if d <= 0 {
		close(fut.ready)
		return fut
	}
	time.AfterFunc(d, func() { close(fut.ready) })
	return fut
}

func (w *wfCtx) ExecuteActivity(name string, input []byte, opts engine.ActivityOptions) ([]byte, error) {
	w.eng.mu.RLock()
	def, ok := w.eng.activities[name]
	w.eng.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", name)
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = def.Options.Timeout
	}
	policy := mergeRetryPolicies(def.Options.RetryPolicy, opts.RetryPolicy)

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	interval := policy.InitialInterval
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		actCtx, cancel := withOptionalTimeout(w.ctx, timeout)
		out, err := def.Handler(actCtx, input)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		if interval > 0 {
			if serr := w.Sleep(interval); serr != nil {
				return nil, serr
			}
			if policy.BackoffCoefficient > 1 {
				interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
			}
			if policy.MaxInterval > 0 && interval > policy.MaxInterval {
				interval = policy.MaxInterval
			}
		}
	}
	return nil, fmt.Errorf("activity %q failed after %d attempts: %w", name, attempts, lastErr)
}

func (w *wfCtx) ExecuteChildWorkflow(name string, input []byte, id string) ([]byte, error) {
	if id == "" {
		id = w.run.workflowID + ":" + name
	}
	h, err := w.eng.StartWorkflow(w.ctx, engine.WorkflowStartRequest{
		ID:       id,
		Workflow: name,
		Input:    input,
	})
	if err != nil {
		return nil, err
	}
	return h.Wait(w.ctx)
}

func (w *wfCtx) Signals(name string) engine.Receiver {
	return &receiver{ctx: w.ctx, q: w.run.queue(name)}
}

func (w *wfCtx) SetQueryHandler(name string, handler func() ([]byte, error)) error {
	if name == "" || handler == nil {
		return errors.New("query name and handler are required")
	}
	w.run.mu.Lock()
	defer w.run.mu.Unlock()
	w.run.queries[name] = handler
	return nil
}

func (w *wfCtx) Await(condition func() bool) error {
	if condition == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		if condition() {
			return nil
		}
		select {
		case <-w.ctx.Done():
			return w.ctx.Err()
		case <-ticker.C:
		}
	}
}

type receiver struct {
	ctx context.Context
	q   *signalQueue
}

func (r *receiver) Receive(ctx context.Context) ([]byte, error) {
	for {
		if payload, ok := r.q.pop(); ok {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, r.ctx.Err()
		case <-r.q.notify:
		}
	}
}

func (r *receiver) ReceiveAsync() ([]byte, bool) {
	return r.q.pop()
}

func (r *receiver) Pending() bool {
	r.q.mu.Lock()
	defer r.q.mu.Unlock()
	return len(r.q.items) > 0
}

func (f *timerFuture) Get(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.ready:
		return nil
	}
}

func (f *timerFuture) IsReady() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

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

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
