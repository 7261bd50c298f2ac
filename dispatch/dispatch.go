// Package dispatch consumes the incoming event stream and drives each event
// through classification and routing. The dispatcher is the only writer of
// event row status transitions. Every delivered entry is acknowledged
// exactly once, whether it was processed, skipped as a duplicate, or failed;
// the event row records the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mailroom-io/mailroom/approval"
	"github.com/mailroom-io/mailroom/classify"
	"github.com/mailroom-io/mailroom/engine"
	"github.com/mailroom-io/mailroom/event"
	"github.com/mailroom-io/mailroom/events"
	"github.com/mailroom-io/mailroom/intents"
	"github.com/mailroom-io/mailroom/stream"
	"github.com/mailroom-io/mailroom/suggest"
	"github.com/mailroom-io/mailroom/telemetry"
)

// Default consumer tuning.
const (
	DefaultBatchSize       = 10
	DefaultBlock           = 5 * time.Second
	DefaultClassifyTimeout = 30 * time.Second
)

type (
	// WorkflowInput is the JSON payload handed to handler workflows.
	WorkflowInput struct {
		Event      *event.UnifiedEvent `json:"event"`
		Intent     string              `json:"intent"`
		Confidence float64             `json:"confidence"`
		Escalated  bool                `json:"escalated,omitempty"`
	}

	// Options configures a dispatcher.
	Options struct {
		Stream     stream.Client
		Events     events.Store
		Intents    intents.Store
		Classifier classify.Classifier
		Thresholds classify.Thresholds

		// Suggestions records new-intent proposals. Optional; when nil
		// proposals are dropped.
		Suggestions *suggest.Service

		// Engine starts handler workflows. Optional; when nil workflow
		// handlers are recorded but not started.
		Engine    engine.Engine
		TaskQueue string

		// Consumer is this instance's name within the consumer group.
		Consumer string

		// ClassifyTimeout bounds one classifier call. Defaults to
		// DefaultClassifyTimeout.
		ClassifyTimeout time.Duration

		// BatchSize caps entries per read. Defaults to DefaultBatchSize.
		BatchSize int64

		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Dispatcher consumes and routes events.
	Dispatcher struct {
		stream      stream.Client
		events      events.Store
		intents     intents.Store
		classifier  classify.Classifier
		thresholds  classify.Thresholds
		suggestions *suggest.Service
		engine      engine.Engine
		taskQueue   string
		consumer    string
		classifyTO  time.Duration
		batch       int64
		log         telemetry.Logger
		metrics     telemetry.Metrics
	}
)

// New validates the options and builds a dispatcher.
func New(opts Options) (*Dispatcher, error) {
	if opts.Stream == nil {
		return nil, errors.New("stream client is required")
	}
	if opts.Events == nil {
		return nil, errors.New("event store is required")
	}
	if opts.Intents == nil {
		return nil, errors.New("intent store is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	if opts.Consumer == "" {
		return nil, errors.New("consumer name is required")
	}
	th := opts.Thresholds
	if th == (classify.Thresholds{}) {
		th = classify.DefaultThresholds()
	}
	classifyTO := opts.ClassifyTimeout
	if classifyTO <= 0 {
		classifyTO = DefaultClassifyTimeout
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	log := opts.Logger
	if log == nil {
		log = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Dispatcher{
		stream:      opts.Stream,
		events:      opts.Events,
		intents:     opts.Intents,
		classifier:  opts.Classifier,
		thresholds:  th,
		suggestions: opts.Suggestions,
		engine:      opts.Engine,
		taskQueue:   opts.TaskQueue,
		consumer:    opts.Consumer,
		classifyTO:  classifyTO,
		batch:       batch,
		log:         log,
		metrics:     metrics,
	}, nil
}

// Run consumes until the context is cancelled. Entries this consumer was
// delivered but never acknowledged (a previous crash) are drained before new
// entries.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.stream.EnsureGroup(ctx, stream.IncomingStream, stream.ProcessorGroup, "0"); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	if err := d.drainPending(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := d.stream.Read(ctx, stream.IncomingStream, stream.ProcessorGroup, d.consumer, d.batch, DefaultBlock, stream.CursorNew)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			d.log.Error(ctx, "stream read failed", "error", err.Error())
			continue
		}
		for _, entry := range entries {
			d.process(ctx, entry)
		}
	}
}

func (d *Dispatcher) drainPending(ctx context.Context) error {
	for {
		n, err := d.Poll(ctx, stream.CursorPending)
		if err != nil {
			return fmt.Errorf("read pending entries: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
}

// Poll reads one batch at the cursor without blocking and processes every
// delivered entry. Returns how many entries were delivered.
func (d *Dispatcher) Poll(ctx context.Context, cursor string) (int, error) {
	entries, err := d.stream.Read(ctx, stream.IncomingStream, stream.ProcessorGroup, d.consumer, d.batch, 0, cursor)
	if err != nil {
		return 0, err
	}
	for _, entry := range entries {
		d.process(ctx, entry)
	}
	return len(entries), nil
}

// process handles one delivery and always acknowledges it. Redelivery after
// a crash between the row insert and the ack is resolved by the idempotency
// check.
func (d *Dispatcher) process(ctx context.Context, entry stream.Entry) {
	if err := d.handle(ctx, entry); err != nil {
		d.log.Error(ctx, "event handling failed", "stream_id", entry.ID, "error", err.Error())
	}
	if _, err := d.stream.Ack(context.WithoutCancel(ctx), stream.IncomingStream, stream.ProcessorGroup, entry.ID); err != nil {
		d.log.Error(ctx, "ack failed", "stream_id", entry.ID, "error", err.Error())
	}
}

func (d *Dispatcher) handle(ctx context.Context, entry stream.Entry) error {
	e, err := event.Decode(entry.Fields)
	if err != nil {
		// Poison payloads are acked and dropped; nothing downstream can
		// use them.
		d.metrics.IncCounter(telemetry.CounterStreamPoison, 1)
		return fmt.Errorf("decode entry: %w", err)
	}

	if _, err := d.events.GetByIdempotencyKey(ctx, e.IdempotencyKey); err == nil {
		d.log.Debug(ctx, "duplicate event skipped", "event_id", e.EventID, "idempotency_key", e.IdempotencyKey)
		return nil
	} else if !errors.Is(err, events.ErrNotFound) {
		return fmt.Errorf("idempotency lookup: %w", err)
	}

	if err := d.events.Insert(ctx, events.NewRow(e)); err != nil {
		if errors.Is(err, events.ErrDuplicateKey) {
			// Lost the race to a concurrent consumer.
			d.log.Debug(ctx, "duplicate event skipped", "event_id", e.EventID)
			return nil
		}
		return fmt.Errorf("insert event row: %w", err)
	}
	if err := d.events.MarkProcessing(ctx, e.EventID); err != nil {
		return d.fail(ctx, e.EventID, fmt.Errorf("mark processing: %w", err))
	}

	result, catalog := d.classify(ctx, e)
	if err := d.events.SetClassification(ctx, e.EventID, events.Classification{
		Intent:     result.Intent,
		Confidence: result.Confidence,
		Reasoning:  result.Reasoning,
	}); err != nil {
		return d.fail(ctx, e.EventID, fmt.Errorf("record classification: %w", err))
	}
	d.recordSuggestion(ctx, e, result)

	workflowID, err := d.route(ctx, e, result, catalog)
	if err != nil {
		return d.fail(ctx, e.EventID, fmt.Errorf("route intent %s: %w", result.Intent, err))
	}
	if err := d.events.MarkCompleted(ctx, e.EventID, workflowID); err != nil {
		return d.fail(ctx, e.EventID, fmt.Errorf("mark completed: %w", err))
	}
	d.log.Info(ctx, "event dispatched",
		"event_id", e.EventID, "intent", result.Intent, "confidence", result.Confidence, "workflow_id", workflowID)
	return nil
}

// classify runs the classifier under its deadline. Any classifier error
// degrades to the fallback intent; classification failures never fail the
// event.
func (d *Dispatcher) classify(ctx context.Context, e *event.UnifiedEvent) (classify.Result, []intents.Entry) {
	catalog, err := d.intents.ListActive(ctx)
	if err != nil {
		d.log.Error(ctx, "intent catalog unavailable", "error", err.Error())
		return classify.Fallback("catalog_unavailable"), nil
	}
	var pending []string
	if d.suggestions != nil {
		if keys, err := d.suggestions.PendingKeys(ctx, suggest.KindNewIntent); err == nil {
			pending = keys
		}
	}

	cctx, cancel := context.WithTimeout(ctx, d.classifyTO)
	defer cancel()
	result, err := d.classifier.Classify(cctx, classify.Input{
		Event:              e,
		Catalog:            catalog,
		PendingSuggestions: pending,
	})
	if err != nil {
		d.log.Warn(ctx, "classification failed", "event_id", e.EventID, "error", err.Error())
		return classify.Fallback(err.Error()), catalog
	}
	return d.thresholds.Apply(result), catalog
}

func (d *Dispatcher) recordSuggestion(ctx context.Context, e *event.UnifiedEvent, result classify.Result) {
	if result.NewSuggestion == nil || d.suggestions == nil {
		return
	}
	s := result.NewSuggestion
	if _, _, err := d.suggestions.Create(ctx, suggest.CreateInput{
		Kind:          suggest.KindNewIntent,
		Key:           s.Name,
		Label:         s.Label,
		Description:   s.Description,
		HandlerHint:   s.HandlerHint,
		Confidence:    s.Confidence,
		SourceEventID: e.EventID,
	}); err != nil {
		// Suggestion bookkeeping never fails the event.
		d.log.Warn(ctx, "suggestion create failed", "event_id", e.EventID, "name", s.Name, "error", err.Error())
	}
}

// route starts the workflow owning the event, if any, and returns its id.
// Escalation rules run before the regular handler: a firing rule redirects
// the event to the entry's escalation workflow.
func (d *Dispatcher) route(ctx context.Context, e *event.UnifiedEvent, result classify.Result, catalog []intents.Entry) (string, error) {
	entry := findEntry(catalog, result.Intent)
	if entry == nil {
		return "", nil
	}

	if entry.Escalation != nil && entry.EscalationWorkflow != "" && entry.Escalation.Evaluate(e.Content) {
		d.log.Info(ctx, "event escalated", "event_id", e.EventID, "intent", entry.Name, "rule", string(entry.Escalation.Kind))
		if entry.EscalationWorkflow == approval.WorkflowName {
			return d.startApprovalHold(ctx, entry, e, result)
		}
		return d.startWorkflow(ctx, entry.EscalationWorkflow, "escalation-"+e.EventID, e, result, true)
	}

	switch entry.Handler.Kind {
	case intents.HandlerWorkflow:
		if entry.Handler.Workflow == "" {
			return "", fmt.Errorf("intent %s has a workflow handler without a workflow name", entry.Name)
		}
		return d.startWorkflow(ctx, entry.Handler.Workflow, entry.Name+"-"+e.EventID, e, result, false)
	default:
		// Agent handlers poll completed rows themselves.
		return "", nil
	}
}

func (d *Dispatcher) startWorkflow(ctx context.Context, workflow, id string, e *event.UnifiedEvent, result classify.Result, escalated bool) (string, error) {
	if d.engine == nil {
		d.log.Warn(ctx, "no engine configured, workflow not started", "workflow", workflow, "event_id", e.EventID)
		return "", nil
	}
	input, err := json.Marshal(WorkflowInput{
		Event:      e,
		Intent:     result.Intent,
		Confidence: result.Confidence,
		Escalated:  escalated,
	})
	if err != nil {
		return "", fmt.Errorf("encode workflow input: %w", err)
	}
	handle, err := d.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        id,
		Workflow:  workflow,
		TaskQueue: d.taskQueue,
		Input:     input,
	})
	if err != nil {
		return "", fmt.Errorf("start workflow %s: %w", workflow, err)
	}
	return handle.WorkflowID(), nil
}

// startApprovalHold escalates to the approval workflow. The approval
// workflow decodes an approval.Request and is addressed by
// approval.WorkflowID, so the generic workflow input does not apply here.
func (d *Dispatcher) startApprovalHold(ctx context.Context, entry *intents.Entry, e *event.UnifiedEvent, result classify.Result) (string, error) {
	if d.engine == nil {
		d.log.Warn(ctx, "no engine configured, workflow not started", "workflow", approval.WorkflowName, "event_id", e.EventID)
		return "", nil
	}
	input, err := json.Marshal(approval.Request{
		RequestID:   e.EventID,
		Kind:        "escalation",
		Title:       "Escalated " + entry.Name + " event",
		RequestedBy: e.UserExternalID,
		Details: map[string]string{
			"event_id":   e.EventID,
			"intent":     result.Intent,
			"confidence": strconv.FormatFloat(result.Confidence, 'f', -1, 64),
			"rule":       string(entry.Escalation.Kind),
			"source":     string(e.Source),
		},
	})
	if err != nil {
		return "", fmt.Errorf("encode approval request: %w", err)
	}
	handle, err := d.engine.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        approval.WorkflowID(e.EventID),
		Workflow:  approval.WorkflowName,
		TaskQueue: d.taskQueue,
		Input:     input,
	})
	if err != nil {
		return "", fmt.Errorf("start workflow %s: %w", approval.WorkflowName, err)
	}
	return handle.WorkflowID(), nil
}

// fail records the failure on the event row. The stream entry is still
// acknowledged; failed rows are the retry surface, not redelivery.
func (d *Dispatcher) fail(ctx context.Context, eventID string, cause error) error {
	d.metrics.IncCounter(telemetry.CounterEventsFailed, 1)
	if err := d.events.MarkFailed(context.WithoutCancel(ctx), eventID, cause.Error()); err != nil {
		d.log.Error(ctx, "mark failed errored", "event_id", eventID, "error", err.Error())
	}
	return cause
}

func findEntry(catalog []intents.Entry, name string) *intents.Entry {
	for i := range catalog {
		if catalog[i].Name == name {
			return &catalog[i]
		}
	}
	return nil
}
