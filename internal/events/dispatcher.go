package events

import (
	"context"
	"errors"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(context.Context, Event) error

// Dispatcher allows event publication and subscription.
type Dispatcher interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(trigger Trigger, handler EventHandler)
}

// inMemoryDispatcher invokes handlers synchronously in subscription order.
type inMemoryDispatcher struct {
	mu        sync.RWMutex
	listeners map[Trigger][]EventHandler
}

// NewInMemoryDispatcher creates a dispatcher instance.
func NewInMemoryDispatcher() Dispatcher {
	return &inMemoryDispatcher{
		listeners: make(map[Trigger][]EventHandler),
	}
}

// Publish runs every handler for the event's trigger. A failing handler does
// not stop the others; their errors are joined.
func (d *inMemoryDispatcher) Publish(ctx context.Context, event Event) error {
	if event == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]EventHandler{}, d.listeners[event.Trigger()]...)
	d.mu.RUnlock()

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers a handler for the given trigger.
func (d *inMemoryDispatcher) Subscribe(trigger Trigger, handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners[trigger] = append(d.listeners[trigger], handler)
}

// PublishAll publishes events in order and joins any errors.
func PublishAll(ctx context.Context, d Dispatcher, list ...Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, event := range list {
		if err := d.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type depthKey struct{}

// WithDepth marks ctx as carrying events raised at the given cascade depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// Depth returns the cascade depth carried by ctx; zero for external input.
func Depth(ctx context.Context) int {
	if depth, ok := ctx.Value(depthKey{}).(int); ok {
		return depth
	}
	return 0
}
