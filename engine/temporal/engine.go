// Package temporal implements the workflow engine on Temporal. It manages
// per-queue workers, wires OTEL instrumentation into the Temporal client and
// workers, and adapts Temporal's workflow primitives to the engine
// abstraction.
package temporal

import (
	"context"
	"fmt"
	"sync"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/interceptor"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/mailroom-io/mailroom/engine"
	"github.com/mailroom-io/mailroom/telemetry"
)

// Options configures the Temporal engine adapter. Either a pre-configured
// Client or ClientOptions must be provided.
type Options struct {
	// Client is an optional pre-configured Temporal client. When nil the
	// adapter creates a lazy client from ClientOptions.
	Client client.Client

	// ClientOptions describe how to construct the client when Client is
	// nil.
	ClientOptions *client.Options

	// TaskQueue is the default queue used when definitions omit one.
	// Required.
	TaskQueue string

	// WorkerOptions are forwarded to worker.New for every queue.
	WorkerOptions worker.Options

	// DisableTracing skips the OTEL tracing interceptor.
	DisableTracing bool

	// DisableMetrics skips the OTEL metrics handler.
	DisableMetrics bool

	Logger telemetry.Logger
}

// Engine implements engine.Engine on Temporal. One worker is created per
// unique task queue; workers start on the first workflow start.
type Engine struct {
	client      client.Client
	closeClient bool

	defaultQueue string
	workerOpts   worker.Options

	logger telemetry.Logger

	mu              sync.Mutex
	workers         map[string]*workerBundle
	workersStarted  bool
	workflows       map[string]engine.WorkflowDefinition
	activityOptions map[string]engine.ActivityOptions
}

var _ engine.Engine = (*Engine)(nil)

// New constructs a Temporal engine adapter.
func New(opts Options) (*Engine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: a default task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	inst, err := configureInstrumentation(opts)
	if err != nil {
		return nil, err
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options are required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyClientInstrumentation(&clientOpts, inst)
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	workerOpts := opts.WorkerOptions
	applyWorkerInstrumentation(&workerOpts, inst)

	return &Engine{
		client:          cli,
		closeClient:     closeClient,
		defaultQueue:    opts.TaskQueue,
		workerOpts:      workerOpts,
		logger:          logger,
		workers:         make(map[string]*workerBundle),
		workflows:       make(map[string]engine.WorkflowDefinition),
		activityOptions: make(map[string]engine.ActivityOptions),
	}, nil
}

// RegisterWorkflow registers a workflow definition on the worker for its
// task queue. Must be called before StartWorkflow.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: workflow name and handler are required")
	}
	queue := def.TaskQueue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerWorkflow(def.Name, func(tctx workflow.Context, input []byte) ([]byte, error) {
		return def.Handler(newWorkflowContext(e, tctx), input)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("temporal engine: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity registers an activity handler on the worker for its
// queue. The definition's options become the defaults applied when workflow
// code invokes the activity without overrides.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("temporal engine: activity name and handler are required")
	}
	queue := def.Options.Queue
	if queue == "" {
		queue = e.defaultQueue
	}
	bundle, err := e.workerForQueue(queue)
	if err != nil {
		return err
	}

	bundle.registerActivity(def.Name, func(actx context.Context, input []byte) ([]byte, error) {
		return def.Handler(actx, input)
	})

	e.mu.Lock()
	e.activityOptions[def.Name] = def.Options
	e.mu.Unlock()
	return nil
}

// StartWorkflow launches an execution. WorkflowIDReusePolicy and the
// duplicate-start error mapping make starts idempotent: a second start with
// the same ID returns a handle on the running execution.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	if req.Workflow == "" {
		return nil, fmt.Errorf("temporal engine: workflow name is required")
	}
	def, err := e.workflowDefinition(req.Workflow)
	if err != nil {
		return nil, err
	}
	e.ensureWorkersStarted()

	queue := req.TaskQueue
	if queue == "" {
		queue = def.TaskQueue
	}
	if queue == "" {
		queue = e.defaultQueue
	}

	// WorkflowExecutionErrorWhenAlreadyStarted stays false so a second
	// start with the same ID returns the running execution.
	opts := client.StartWorkflowOptions{
		ID:                       req.ID,
		TaskQueue:                queue,
		WorkflowExecutionTimeout: req.RunTimeout,
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, def.Name, req.Input)
	if err != nil {
		return nil, err
	}
	return &workflowHandle{run: run}, nil
}

// SignalWorkflow delivers a signal by workflow ID without requiring a local
// handle, so reviews can reach workflows started by another process.
func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload []byte) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.SignalWorkflow(ctx, workflowID, runID, name, payload)
}

func (e *Engine) QueryWorkflow(ctx context.Context, workflowID, runID, name string) ([]byte, error) {
	if workflowID == "" {
		return nil, fmt.Errorf("workflow id is required")
	}
	val, err := e.client.QueryWorkflow(ctx, workflowID, runID, name)
	if err != nil {
		return nil, err
	}
	var out []byte
	if err := val.Get(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) CancelWorkflow(ctx context.Context, workflowID, runID string) error {
	if workflowID == "" {
		return fmt.Errorf("workflow id is required")
	}
	return e.client.CancelWorkflow(ctx, workflowID, runID)
}

// Close stops all workers and, when the engine created the client, closes
// it.
func (e *Engine) Close() error {
	e.mu.Lock()
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.stop()
	}
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
	return nil
}

func (e *Engine) workerForQueue(queue string) (*workerBundle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if bundle, ok := e.workers[queue]; ok {
		return bundle, nil
	}
	bundle := &workerBundle{
		queue:  queue,
		worker: worker.New(e.client, queue, e.workerOpts),
		logger: e.logger,
	}
	e.workers[queue] = bundle
	if e.workersStarted {
		bundle.start()
	}
	return bundle, nil
}

func (e *Engine) workflowDefinition(name string) (engine.WorkflowDefinition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[name]
	if !ok {
		return engine.WorkflowDefinition{}, fmt.Errorf("temporal engine: workflow %q is not registered", name)
	}
	return def, nil
}

func (e *Engine) ensureWorkersStarted() {
	e.mu.Lock()
	if e.workersStarted {
		e.mu.Unlock()
		return
	}
	e.workersStarted = true
	bundles := make([]*workerBundle, 0, len(e.workers))
	for _, b := range e.workers {
		bundles = append(bundles, b)
	}
	e.mu.Unlock()
	for _, b := range bundles {
		b.start()
	}
}

func (e *Engine) activityDefaultsFor(name string) engine.ActivityOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activityOptions[name]
}

type workerBundle struct {
	queue  string
	worker worker.Worker
	logger telemetry.Logger

	startOnce sync.Once
}

func (b *workerBundle) start() {
	b.startOnce.Do(func() {
		go func() {
			if err := b.worker.Run(worker.InterruptCh()); err != nil {
				b.logger.Error(context.Background(), "temporal worker exited", "queue", b.queue, "error", err.Error())
			}
		}()
	})
}

func (b *workerBundle) stop() {
	b.worker.Stop()
}

func (b *workerBundle) registerWorkflow(name string, fn any) {
	b.worker.RegisterWorkflowWithOptions(fn, workflow.RegisterOptions{Name: name})
}

func (b *workerBundle) registerActivity(name string, fn any) {
	b.worker.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

type instrumentation struct {
	tracer  interceptor.Interceptor
	metrics client.MetricsHandler
}

func configureInstrumentation(opts Options) (*instrumentation, error) {
	inst := &instrumentation{}
	if !opts.DisableTracing {
		tracer, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{})
		if err != nil {
			return nil, fmt.Errorf("temporal engine: configure tracing interceptor: %w", err)
		}
		inst.tracer = tracer
	}
	if !opts.DisableMetrics {
		inst.metrics = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
	if inst.tracer == nil && inst.metrics == nil {
		return nil, nil
	}
	return inst, nil
}

func applyClientInstrumentation(opts *client.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
	if inst.metrics != nil && opts.MetricsHandler == nil {
		opts.MetricsHandler = inst.metrics
	}
}

func applyWorkerInstrumentation(opts *worker.Options, inst *instrumentation) {
	if inst == nil {
		return
	}
	if inst.tracer != nil {
		opts.Interceptors = append(opts.Interceptors, inst.tracer)
	}
}

type workflowHandle struct {
	run client.WorkflowRun
}

func (h *workflowHandle) WorkflowID() string { return h.run.GetID() }

func (h *workflowHandle) RunID() string { return h.run.GetRunID() }

func (h *workflowHandle) Wait(ctx context.Context) ([]byte, error) {
	var out []byte
	if err := h.run.Get(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
