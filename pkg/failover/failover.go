// Package failover contains the handlers notified when an instance becomes
// active (Start) or inactive (Stop).
//
// The lock loop calls Stop before every lock attempt, including while it is
// already active, and Start after every granted attempt. Handlers must
// therefore be idempotent; wrap expensive ones with OnTransition.
package failover

import (
	"context"
	"errors"
	"sync"
)

// Handler brings dependent subsystems in and out of active duty.
type Handler interface {
	// Start is called once the instance holds the lock.
	Start(ctx context.Context) error

	// Stop is called before every lock attempt and on shutdown.
	Stop(ctx context.Context) error
}

// Flusher is implemented by handlers that hold Stop calls back. The lock
// manager flushes them before it releases a lock it was active with.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Funcs adapts a pair of functions to a Handler. Nil functions are no-ops.
type Funcs struct {
	OnStart func(ctx context.Context) error
	OnStop  func(ctx context.Context) error
}

// Start implements Handler.
func (f Funcs) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}

	return f.OnStart(ctx)
}

// Stop implements Handler.
func (f Funcs) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}

	return f.OnStop(ctx)
}

type multi []Handler

// Multi returns a Handler notifying every handler in order. All of them are
// called even if some fail; the errors are joined.
func Multi(handlers ...Handler) Handler {
	return multi(handlers)
}

func (m multi) Start(ctx context.Context) error {
	var errs []error

	for _, h := range m {
		if err := h.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m multi) Stop(ctx context.Context) error {
	var errs []error

	// demote in reverse order of promotion.
	for i := len(m) - 1; i >= 0; i-- {
		if err := m[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

type transitionState uint8

const (
	stateUnknown transitionState = iota
	stateStarted
	stateStopped
)

// Transitions forwards only state changes to the wrapped handler.
type Transitions struct {
	mu      sync.Mutex
	handler Handler
	state   transitionState
}

// OnTransition wraps h so that Start is only forwarded when h is not started
// yet and Stop only when it is not stopped yet. The very first call is always
// forwarded. A failed call leaves the state unknown so it is retried.
func OnTransition(h Handler) *Transitions {
	return &Transitions{handler: h}
}

// Start implements Handler.
func (t *Transitions) Start(ctx context.Context) error {
	return t.transition(ctx, stateStarted, t.handler.Start)
}

// Stop implements Handler.
func (t *Transitions) Stop(ctx context.Context) error {
	return t.transition(ctx, stateStopped, t.handler.Stop)
}

// Started reports whether the last forwarded call was a successful Start.
func (t *Transitions) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state == stateStarted
}

func (t *Transitions) transition(
	ctx context.Context,
	to transitionState,
	fn func(context.Context) error,
) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == to {
		return nil
	}

	if err := fn(ctx); err != nil {
		t.state = stateUnknown

		return err
	}

	t.state = to

	return nil
}
