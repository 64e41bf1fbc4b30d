package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kalbasit/dbleader/pkg/failover"
)

// loop is the background worker of a Manager. Everything but the atomics is
// owned by the loop goroutine.
type loop struct {
	source       ConnectionSource
	dialect      Dialect
	handler      FailoverHandler
	pollInterval time.Duration
	backoff      ReconnectBackoff
	table        string
	statement    string
	classifier   *classifier
	tracer       trace.Tracer

	session *session

	// leading tracks leadership across iterations; unlike active it is not
	// reset while the lock is re-validated.
	leading bool

	// faults counts consecutive iterations ending with a reconnect.
	faults int

	active     *atomic.Bool
	shouldStop *atomic.Bool
	state      *atomic.Int32
}

func (l *loop) run(ctx context.Context) {
	defer l.shutdown(ctx)

	for !l.stopping(ctx) {
		if err := l.iterate(ctx); err != nil {
			// an interrupted lock wait is not a fault.
			if l.stopping(ctx) {
				return
			}

			l.fault(ctx, err)
		}

		if !l.sleep(ctx) {
			return
		}
	}
}

func (l *loop) stopping(ctx context.Context) bool {
	return l.shouldStop.Load() || ctx.Err() != nil
}

// iterate connects if needed and (re-)executes the lock statement once.
func (l *loop) iterate(ctx context.Context) error {
	if l.session == nil {
		l.setState(StateConnecting)

		s, err := openSession(ctx, l.source, l.dialect)
		if err != nil {
			return err
		}

		l.session = s

		zerolog.Ctx(ctx).
			Debug().
			Msg("opened a new lock session")
	}

	l.setState(StateAttemptingLock)

	// demote before every attempt so that no stale active assumption survives.
	l.active.Store(false)
	l.notify(ctx, handlerOperationStop)

	if err := l.acquire(ctx); err != nil {
		return err
	}

	RecordLockAttempt(ctx, l.dialect.Name(), AttemptResultSuccess)

	l.faults = 0

	l.notify(ctx, handlerOperationStart)
	l.active.Store(true)
	l.setState(StateActive)

	if !l.leading {
		l.leading = true

		recordActiveChange(ctx, 1)

		zerolog.Ctx(ctx).
			Info().
			Msg("acquired the lock, this instance is now active")
	}

	return nil
}

func (l *loop) acquire(ctx context.Context) error {
	ctx, span := l.tracer.Start(
		ctx,
		"lock.acquire",
		trace.WithAttributes(
			attribute.String("lock.table", l.table),
			attribute.String("lock.dialect", l.dialect.Name()),
		),
	)
	defer span.End()

	err := l.execLockStatement(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lock not acquired")
	}

	return err
}

func (l *loop) execLockStatement(ctx context.Context) error {
	sp, ok := l.dialect.(Savepointer)
	if !ok {
		_, err := l.session.tx.ExecContext(ctx, l.statement)

		return err
	}

	name := sp.Savepoint()

	if _, err := l.session.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}

	if _, err := l.session.tx.ExecContext(ctx, l.statement); err != nil {
		if !l.classifier.policy.IsContention(err) {
			return err
		}

		// keep the transaction usable for the next attempt.
		if _, rbErr := l.session.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return rbErr
		}

		return err
	}

	// the row lock is kept by the enclosing transaction.
	_, err := l.session.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)

	return err
}

// fault handles a failure of the current iteration.
func (l *loop) fault(ctx context.Context, err error) {
	l.setState(StateFaulted)

	// a Stop held back by the handler must land while the lock is still ours.
	if l.leading {
		l.flush(ctx)
	}

	l.demoted(ctx)

	if !l.classifier.classify(ctx, err) {
		RecordLockAttempt(ctx, l.dialect.Name(), AttemptResultContention)

		l.faults = 0

		return
	}

	RecordLockAttempt(ctx, l.dialect.Name(), AttemptResultFault)

	l.faults++

	if l.session != nil {
		l.session.close(ctx)
		l.session = nil

		RecordReconnect(ctx, l.dialect.Name())
	}
}

// demoted records the end of a leadership period, if any.
func (l *loop) demoted(ctx context.Context) {
	l.active.Store(false)

	if !l.leading {
		return
	}

	l.leading = false

	recordActiveChange(ctx, -1)

	zerolog.Ctx(ctx).
		Warn().
		Msg("lost the lock, this instance is no longer active")
}

// sleep waits for the poll interval, or the reconnect backoff while the
// database keeps failing, and reports false if interrupted.
func (l *loop) sleep(ctx context.Context) bool {
	timer := time.NewTimer(l.backoff.wait(l.pollInterval, l.faults))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *loop) shutdown(ctx context.Context) {
	// the loop context is canceled by now.
	ctx = context.WithoutCancel(ctx)

	// demote and stop the handler before the lock is released so that no peer
	// can be active while this instance still is.
	l.active.Store(false)

	if l.leading {
		l.leading = false

		recordActiveChange(ctx, -1)
	}

	l.notify(ctx, handlerOperationStop)
	l.flush(ctx)

	if l.session != nil {
		l.session.close(ctx)
		l.session = nil
	}

	l.setState(StateStopped)

	zerolog.Ctx(ctx).
		Info().
		Msg("lock manager stopped")
}

// notify calls the failover handler.
func (l *loop) notify(ctx context.Context, operation string) {
	if l.handler == nil {
		return
	}

	fn := l.handler.Stop
	if operation == handlerOperationStart {
		fn = l.handler.Start
	}

	l.call(ctx, operation, fn)
}

// flush forwards the Stop calls a handler holds back, if it does.
func (l *loop) flush(ctx context.Context) {
	f, ok := l.handler.(failover.Flusher)
	if !ok {
		return
	}

	l.call(ctx, handlerOperationFlush, f.Flush)
}

// call runs a handler operation. Its failures never reach the loop.
func (l *loop) call(ctx context.Context, operation string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			RecordHandlerFailure(ctx, operation)

			zerolog.Ctx(ctx).
				Warn().
				Str("operation", operation).
				Interface("panic", r).
				Msg("failover handler panicked")
		}
	}()

	if err := fn(ctx); err != nil {
		RecordHandlerFailure(ctx, operation)

		zerolog.Ctx(ctx).
			Warn().
			Err(err).
			Str("operation", operation).
			Msg("failover handler returned an error")
	}
}

func (l *loop) setState(s State) { l.state.Store(int32(s)) }
