// Package command is the single control-flow spine for every mutating
// operation: requests are resolved to exactly one handler by kind and
// produce exactly one CommandResult.
package command

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ymgch/tether/internal/model"
)

// Kind tags a request's concrete type. The set of kinds is closed and
// bound to handlers once at process setup.
type Kind string

// Request is a single intended state change, carrying provenance.
// Implementations are immutable once created.
type Request interface {
	Kind() Kind
	CorrelationID() string
	WorkspaceID() string
}

// Handler produces the result for one request kind. Handlers convert
// their own failures into failed CommandResults; anything they let escape
// propagates to the caller untouched.
type Handler interface {
	Handle(ctx context.Context, req Request) model.CommandResult
}

type HandlerFunc func(ctx context.Context, req Request) model.CommandResult

func (f HandlerFunc) Handle(ctx context.Context, req Request) model.CommandResult {
	return f(ctx, req)
}

// UnhandledRequestError indicates a wiring defect: no handler is bound for
// the dispatched kind. It is never silently absorbed.
type UnhandledRequestError struct {
	Kind Kind
}

func (e *UnhandledRequestError) Error() string {
	return fmt.Sprintf("no handler registered for request kind %q", e.Kind)
}

// Dispatcher holds only the immutable handler registry, never business
// state. Distinct requests may be dispatched concurrently; serialization,
// where required, belongs to the handler.
type Dispatcher struct {
	handlers map[Kind]Handler
	sealed   atomic.Bool
	observe  func(kind Kind, success bool)
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[Kind]Handler{}}
}

// WithObserver installs a callback invoked after every dispatch; it must
// be set before the first Send.
func (d *Dispatcher) WithObserver(fn func(kind Kind, success bool)) *Dispatcher {
	d.observe = fn
	return d
}

// Register binds exactly one handler to kind. The registry is immutable
// once dispatching begins.
func (d *Dispatcher) Register(kind Kind, h Handler) error {
	if d.sealed.Load() {
		return fmt.Errorf("register %q: registry is sealed after first dispatch", kind)
	}
	if h == nil {
		return fmt.Errorf("register %q: nil handler", kind)
	}
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("register %q: handler already bound", kind)
	}
	d.handlers[kind] = h
	return nil
}

// MustRegister is Register for process-wide setup paths where a binding
// failure is a programming error.
func (d *Dispatcher) MustRegister(kind Kind, h Handler) {
	if err := d.Register(kind, h); err != nil {
		panic(err)
	}
}

// Send resolves req's handler, invokes it, and returns its result. A kind
// with no bound handler fails with *UnhandledRequestError and has no side
// effects.
func (d *Dispatcher) Send(ctx context.Context, req Request) (model.CommandResult, error) {
	d.sealed.Store(true)
	h, ok := d.handlers[req.Kind()]
	if !ok {
		if d.observe != nil {
			d.observe(req.Kind(), false)
		}
		return model.CommandResult{}, &UnhandledRequestError{Kind: req.Kind()}
	}
	result := h.Handle(ctx, req)
	if d.observe != nil {
		d.observe(req.Kind(), result.Success)
	}
	return result, nil
}

// Kinds returns the registered kinds, for diagnostics.
func (d *Dispatcher) Kinds() []Kind {
	out := make([]Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	return out
}
