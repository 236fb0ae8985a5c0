package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/spec-kit/caseflow/internal/events"
)

// EventHandler is the consumer side of the workflow worker.
type EventHandler interface {
	Handle(ctx context.Context, event events.Event) error
}

type queuedEvent struct {
	event events.Event
	depth int
}

// WorkflowWorker moves rule evaluation off the publishing goroutine. Events
// are handled one at a time in publish order; the cascade depth of the
// publisher travels with each event.
type WorkflowWorker struct {
	handler EventHandler
	logger  *zap.Logger
	queue   chan queuedEvent
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWorkflowWorker builds a worker with a bounded queue.
func NewWorkflowWorker(handler EventHandler, queueSize int, logger *zap.Logger) *WorkflowWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &WorkflowWorker{
		handler: handler,
		logger:  logger.Named("workflow_worker"),
		queue:   make(chan queuedEvent, queueSize),
	}
}

// StartWorkflowWorker subscribes the handler to every trigger. With a
// positive queueSize the handler runs on a background goroutine until ctx
// ends; otherwise it runs inline on the publisher. The returned stop
// function drains the queue.
func StartWorkflowWorker(ctx context.Context, dispatcher events.Dispatcher, handler EventHandler, queueSize int, logger *zap.Logger) func() {
	if dispatcher == nil || handler == nil {
		return func() {}
	}
	if queueSize <= 0 {
		for _, trigger := range events.AllTriggers {
			dispatcher.Subscribe(trigger, handler.Handle)
		}
		return func() {}
	}

	w := NewWorkflowWorker(handler, queueSize, logger)
	for _, trigger := range events.AllTriggers {
		dispatcher.Subscribe(trigger, w.Submit)
	}
	w.Start(ctx)
	return w.Close
}

// Start launches the consumer goroutine.
func (w *WorkflowWorker) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for item := range w.queue {
			w.handle(ctx, item)
		}
	}()
}

// Submit queues the event. When the queue is full or closed the event is
// handled inline so it is never lost.
func (w *WorkflowWorker) Submit(ctx context.Context, event events.Event) error {
	item := queuedEvent{event: event, depth: events.Depth(ctx)}

	w.mu.RLock()
	if !w.closed {
		select {
		case w.queue <- item:
			w.mu.RUnlock()
			return nil
		default:
		}
	}
	w.mu.RUnlock()

	w.logger.Warn("workflow queue unavailable; handling inline",
		zap.String("event_id", event.EventID()),
		zap.String("trigger", string(event.Trigger())))
	return w.handler.Handle(ctx, event)
}

// Close stops accepting events and waits for queued ones to finish.
func (w *WorkflowWorker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *WorkflowWorker) handle(ctx context.Context, item queuedEvent) {
	hctx := events.WithDepth(context.WithoutCancel(ctx), item.depth)
	if err := w.handler.Handle(hctx, item.event); err != nil {
		w.logger.Warn("workflow handler failed",
			zap.String("event_id", item.event.EventID()),
			zap.String("case_id", item.event.CaseID()),
			zap.Error(err))
	}
}
