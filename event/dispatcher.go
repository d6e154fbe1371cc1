// Package event delivers named function-call events to registered handlers.
package event

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/missdeer/hdrfetch/headers"
)

// Callback receives the result of a handled event.
type Callback func(headers.Map)

// Event is one function call: a name, its arguments and the callback that
// receives the result.
type Event struct {
	ID       string
	Name     string
	Args     []any
	Callback Callback
}

// Handler handles events registered under one name.
type Handler interface {
	Handle(ctx context.Context, e Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e Event)

// Handle calls f(ctx, e).
func (f HandlerFunc) Handle(ctx context.Context, e Event) {
	f(ctx, e)
}

// Dispatcher routes events to handlers by name. Handlers run on their own
// goroutine; events share no state and complete in any order.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	wg       sync.WaitGroup
	logger   *zap.Logger
	metrics  *Metrics
}

// NewDispatcher creates an empty Dispatcher. logger and metrics may be nil.
func NewDispatcher(logger *zap.Logger, metrics *Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger,
		metrics:  metrics,
	}
}

// Listen registers h for events called name, replacing any previous handler.
func (d *Dispatcher) Listen(name string, h Handler) {
	d.mu.Lock()
	d.handlers[name] = h
	d.mu.Unlock()
}

// Dispatch starts handling e and returns immediately. For an unregistered
// name nothing happens and ok is false. Otherwise done is closed once the
// handler has returned, whether or not it invoked the callback.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) (done <-chan struct{}, ok bool) {
	d.mu.RLock()
	h, ok := d.handlers[e.Name]
	d.mu.RUnlock()
	if !ok {
		d.metrics.event(e.Name, outcomeIgnored)
		return nil, false
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	d.metrics.event(e.Name, outcomeDispatched)
	d.logger.Debug("dispatch event", zap.String("id", e.ID), zap.String("name", e.Name))

	ch := make(chan struct{})
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(ch)
		h.Handle(ctx, e)
	}()
	return ch, true
}

// Wait blocks until every dispatched event has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
