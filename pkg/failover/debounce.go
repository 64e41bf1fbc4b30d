package failover

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Debounced delays the Stop calls received while started.
//
// The lock loop demotes before re-validating a lock it already holds, so a
// leader sees Stop immediately followed by Start on every poll. Debounced
// holds such a Stop back for a delay and drops it when Start arrives in the
// meantime. A Stop received while not started is forwarded right away.
//
// Debounced implements Flusher. The lock manager flushes it before it closes
// the session of a failed re-validation and on shutdown, so the held back Stop
// reaches the wrapped handler while the lock is still held. Only a connection
// dropped by the server itself releases the lock before that, in which case
// the wrapped handler may stay active for up to the delay.
type Debounced struct {
	mu      sync.Mutex
	handler Handler
	delay   time.Duration
	started bool
	pending *time.Timer
	gen     uint64
}

// Debounce wraps h. A zero delay forwards every call unchanged.
func Debounce(h Handler, delay time.Duration) *Debounced {
	return &Debounced{handler: h, delay: delay}
}

// Start implements Handler.
func (d *Debounced) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelPending()

	d.started = true

	return d.handler.Start(ctx)
}

// Stop implements Handler.
func (d *Debounced) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.delay <= 0 {
		d.cancelPending()
		d.started = false

		return d.handler.Stop(ctx)
	}

	if d.pending != nil {
		return nil
	}

	d.gen++
	gen := d.gen

	// the timer outlives the call.
	ctx = context.WithoutCancel(ctx)

	d.pending = time.AfterFunc(d.delay, func() { d.fire(ctx, gen) })

	return nil
}

// Flush forwards a pending Stop immediately.
func (d *Debounced) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		return nil
	}

	d.cancelPending()
	d.started = false

	return d.handler.Stop(ctx)
}

func (d *Debounced) fire(ctx context.Context, gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// canceled or superseded while waiting for the mutex.
	if d.pending == nil || d.gen != gen {
		return
	}

	d.pending = nil
	d.started = false

	if err := d.handler.Stop(ctx); err != nil {
		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Msg("delayed failover stop returned an error")
	}
}

func (d *Debounced) cancelPending() {
	if d.pending == nil {
		return
	}

	d.pending.Stop()
	d.pending = nil
}
