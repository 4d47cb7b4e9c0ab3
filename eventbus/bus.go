// Package eventbus provides a bounded in-process pub/sub bus with
// at-least-once delivery within the process and spillover to a durable
// dead-letter queue when an event exhausts its retry budget.
//
// The bus is intentionally not durable: critical state is persisted by the
// engine before publish, so losing queued events on crash is safe.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signoff-io/signoff/storage"
)

// Workflow lifecycle event types. These are stable wire values.
const (
	EventWorkflowStarted      = "workflow.started"
	EventWorkflowStateChanged = "workflow.state_changed"
	EventWorkflowCompleted    = "workflow.completed"
	EventWorkflowFailed       = "workflow.failed"
	EventWorkflowRolledBack   = "workflow.rolled_back"
	EventApprovalRequested    = "approval.requested"
	EventApprovalReceived     = "approval.received"
	EventApprovalTimeout      = "approval.timeout"
	EventApprovalRetry        = "approval.retry"
	EventApprovalCancelled    = "approval.cancelled"
	EventStepCompleted        = "step.completed"
)

// ErrQueueFull is returned by Publish when the bounded queue is at
// capacity. Back-pressure is the caller's problem.
var ErrQueueFull = errors.New("event queue full")

// Event is one published message. Payload identity is preserved across
// redeliveries so the retry counter can key on it.
type Event struct {
	Type    string
	Payload map[string]any
}

// WorkflowID extracts the workflow identifier from the payload, if any.
func (e Event) WorkflowID() *uuid.UUID {
	raw, ok := e.Payload["workflow_id"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case uuid.UUID:
		return &v
	case string:
		if id, err := uuid.Parse(v); err == nil {
			return &id
		}
	}
	return nil
}

// Handler processes one delivered event. Handlers for the same event run
// concurrently and must not assume ordering relative to each other.
type Handler func(ctx context.Context, evt Event) error

// DLQSink receives events that exhausted their retry budget.
// storage.Store satisfies this.
type DLQSink interface {
	AppendDLQ(ctx context.Context, e *storage.DLQEntry) error
}

// Config holds bus tuning parameters.
type Config struct {
	MaxQueueSize int
	MaxRetries   int
}

// DefaultConfig returns the default bus configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize: 1000,
		MaxRetries:   3,
	}
}

// Stats is a point-in-time snapshot of bus state.
type Stats struct {
	Running       bool `json:"running"`
	QueueSize     int  `json:"queue_size"`
	MaxQueueSize  int  `json:"max_queue_size"`
	EventTypes    int  `json:"event_types"`
	TotalHandlers int  `json:"total_handlers"`
}

// Bus is the in-process event bus. A single consumer goroutine dequeues
// events and fans each out to all handlers subscribed to its type.
type Bus struct {
	config Config
	queue  chan Event
	dlq    DLQSink
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[string][]Handler

	// retries is owned by the consumer goroutine; no cross-task access.
	retries map[string]int

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	published       prometheus.Counter
	delivered       prometheus.Counter
	handlerFailures prometheus.Counter
	spilled         prometheus.Counter
	queueDepth      prometheus.GaugeFunc
}

// New creates a bus. reg may be nil to skip metric registration.
func New(config Config, dlq DLQSink, logger *slog.Logger, reg prometheus.Registerer) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultConfig()
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = defaults.MaxQueueSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = defaults.MaxRetries
	}

	b := &Bus{
		config:   config,
		queue:    make(chan Event, config.MaxQueueSize),
		dlq:      dlq,
		logger:   logger,
		handlers: make(map[string][]Handler),
		retries:  make(map[string]int),
	}

	b.published = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_published_total",
		Help: "Events accepted onto the queue.",
	})
	b.delivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_delivered_total",
		Help: "Events fully processed by all handlers.",
	})
	b.handlerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_handler_failures_total",
		Help: "Handler invocations that returned an error.",
	})
	b.spilled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "eventbus_dlq_spills_total",
		Help: "Events written to the dead-letter queue.",
	})
	b.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "eventbus_queue_depth",
		Help: "Current number of queued events.",
	}, func() float64 { return float64(len(b.queue)) })

	if reg != nil {
		reg.MustRegister(b.published, b.delivered, b.handlerFailures, b.spilled, b.queueDepth)
	}
	return b
}

// Subscribe registers a handler for an event type. Subscriptions happen at
// startup; the map is effectively read-only while the bus runs.
func (b *Bus) Subscribe(eventType string, h Handler) {
	b.handlersMu.Lock()
	defer b.handlersMu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], h)
}

// Publish enqueues an event. It fails immediately with ErrQueueFull when
// the queue is at capacity.
func (b *Bus) Publish(_ context.Context, eventType string, payload map[string]any) error {
	evt := Event{Type: eventType, Payload: payload}
	select {
	case b.queue <- evt:
		b.published.Inc()
		return nil
	default:
		return fmt.Errorf("publish %s: %w", eventType, ErrQueueFull)
	}
}

// Start launches the consumer goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.New("bus already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true

	go b.consume(runCtx)

	b.logger.Info("event bus started",
		"max_queue_size", b.config.MaxQueueSize,
		"max_retries", b.config.MaxRetries)
	return nil
}

// Stop signals the consumer to finish the in-flight event and exit.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("event bus stop timed out")
	}
	b.logger.Info("event bus stopped")
	return nil
}

// Stats returns a snapshot of bus state.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	b.handlersMu.RLock()
	defer b.handlersMu.RUnlock()
	total := 0
	for _, hs := range b.handlers {
		total += len(hs)
	}
	return Stats{
		Running:       running,
		QueueSize:     len(b.queue),
		MaxQueueSize:  b.config.MaxQueueSize,
		EventTypes:    len(b.handlers),
		TotalHandlers: total,
	}
}

func (b *Bus) consume(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

// fingerprint keys the retry counter on event type plus payload identity,
// so a redelivered event carries its counter forward.
func fingerprint(evt Event) string {
	return fmt.Sprintf("%s:%p", evt.Type, evt.Payload)
}

func (b *Bus) dispatch(ctx context.Context, evt Event) {
	b.handlersMu.RLock()
	handlers := b.handlers[evt.Type]
	b.handlersMu.RUnlock()

	if len(handlers) == 0 {
		b.delivered.Inc()
		return
	}

	errs := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, h := range handlers {
		wg.Add(1)
		go func(i int, h Handler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("handler panicked: %v", r)
				}
			}()
			errs[i] = h(ctx, evt)
		}(i, h)
	}
	wg.Wait()

	var firstErr error
	for _, err := range errs {
		if err != nil {
			firstErr = err
			b.handlerFailures.Inc()
		}
	}

	fp := fingerprint(evt)
	if firstErr == nil {
		// Clearing on success keeps the counter map from leaking.
		delete(b.retries, fp)
		b.delivered.Inc()
		return
	}

	b.retries[fp]++
	attempts := b.retries[fp]
	b.logger.Warn("event handler failed",
		"event_type", evt.Type,
		"attempt", attempts,
		"max_retries", b.config.MaxRetries,
		"error", firstErr)

	if attempts >= b.config.MaxRetries {
		delete(b.retries, fp)
		b.spill(ctx, evt, firstErr, attempts)
		return
	}

	// Redeliver. A full queue at this point skips straight to the DLQ
	// rather than blocking the consumer.
	select {
	case b.queue <- evt:
	default:
		delete(b.retries, fp)
		b.spill(ctx, evt, fmt.Errorf("requeue failed: %w (last handler error: %v)", ErrQueueFull, firstErr), attempts)
	}
}

func (b *Bus) spill(ctx context.Context, evt Event, cause error, attempts int) {
	if b.dlq == nil {
		b.logger.Error("dropping event, no DLQ sink configured",
			"event_type", evt.Type, "error", cause)
		return
	}

	data, err := json.Marshal(evt.Payload)
	if err != nil {
		data = []byte(fmt.Sprintf("{\"marshal_error\":%q}", err.Error()))
	}
	entry := &storage.DLQEntry{
		OriginalEventType: evt.Type,
		EventData:         data,
		ErrorMessage:      cause.Error(),
		RetryCount:        attempts,
		WorkflowID:        evt.WorkflowID(),
	}
	if err := b.dlq.AppendDLQ(ctx, entry); err != nil {
		b.logger.Error("failed to write DLQ entry",
			"event_type", evt.Type, "error", err)
		return
	}
	b.spilled.Inc()
	b.logger.Info("event moved to DLQ",
		"event_type", evt.Type,
		"attempts", attempts,
		"error", cause)
}
