package lock_test

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dbleader/pkg/failover"
	"github.com/kalbasit/dbleader/pkg/lock"
	"github.com/kalbasit/dbleader/testhelper"
)

var (
	errHandler = errors.New("handler failed")
	errNetwork = errors.New("read tcp 10.0.0.1:3306: i/o timeout")
)

// callRecorder is a failover handler recording its calls.
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) Start(context.Context) error {
	r.record("start")

	return nil
}

func (r *callRecorder) Stop(context.Context) error {
	r.record("stop")

	return nil
}

func (r *callRecorder) record(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, op)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.calls...)
}

func countLockStatements(src *testhelper.FakeSource) int {
	var n int

	for _, stmt := range src.Statements() {
		if strings.HasSuffix(stmt, "FOR UPDATE") {
			n++
		}
	}

	return n
}

func TestLoop_SingleInstanceBecomesActive(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)
	m, src := newTestManager(t, db)

	handler := &callRecorder{}
	require.NoError(t, m.SetFailoverHandler(handler))
	require.NoError(t, m.SetInstanceID("node-a"))

	require.NoError(t, m.Start(ctx))

	require.Eventually(t, m.IsActive, testTimeout, testTick)
	assert.True(t, db.Locked())

	// re-validated on every poll through the same connection.
	require.Eventually(t, func() bool { return countLockStatements(src) >= 3 }, testTimeout, testTick)
	assert.Equal(t, 1, src.Connects())

	assert.Equal(t, "SELECT * FROM lockTable FOR UPDATE", src.Statements()[0])

	// the transition is only logged once.
	assert.Equal(t, 1, logs.count(t, "info", "acquired the lock, this instance is now active"))

	calls := handler.snapshot()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "stop", calls[0], "the handler must be demoted before the first attempt")
	assert.Equal(t, "start", calls[1])
}

func TestLoop_HandlerIsDemotedBeforeEveryAttempt(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	m, _ := newTestManager(t, testhelper.NewFakeDatabase(testLockWait))

	handler := &callRecorder{}
	require.NoError(t, m.SetFailoverHandler(handler))
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return len(handler.snapshot()) >= 6 }, testTimeout, testTick)

	m.Stop()
	<-m.Done()

	calls := handler.snapshot()

	// stop, start, stop, start, ..., stop
	for i, call := range calls[:len(calls)-1] {
		if i%2 == 0 {
			assert.Equal(t, "stop", call, "call %d", i)
		} else {
			assert.Equal(t, "start", call, "call %d", i)
		}
	}

	assert.Equal(t, "stop", calls[len(calls)-1], "the handler must be demoted on shutdown")
}

func TestLoop_StopMakesTheInstanceInactive(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)
	m, src := newTestManager(t, db)

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, m.IsActive, testTimeout, testTick)

	m.Stop()

	select {
	case <-m.Done():
	case <-time.After(testTimeout):
		t.Fatal("the loop did not exit")
	}

	assert.False(t, m.IsActive())
	assert.Equal(t, lock.StateStopped, m.State())
	assert.False(t, db.Locked())

	attempts := countLockStatements(src)

	time.Sleep(5 * testPollInterval)

	assert.Equal(t, attempts, countLockStatements(src), "no attempt after stop")
	assert.Equal(t, 1, logs.count(t, "info", "lock manager stopped"))
	assert.Zero(t, logs.count(t, "error", "lock attempt failed, reconnecting"))
}

func TestLoop_ContentionKeepsTheConnection(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, _ := newTestManager(t, db)
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	b, srcB := newTestManager(t, db)
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return countLockStatements(srcB) >= 3 }, testTimeout, testTick)

	assert.False(t, b.IsActive())
	assert.Equal(t, 1, srcB.Connects(), "contention must not reconnect")
	assert.Zero(t, logs.count(t, "error", "lock attempt failed, reconnecting"))
	assert.Positive(t, logs.count(t, "debug", "failed to acquire the lock, another instance holds it"))
}

func TestLoop_FaultReconnects(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	m, src := newTestManager(t, testhelper.NewFakeDatabase(testLockWait))

	require.NoError(t, m.Start(ctx))
	require.Eventually(t, m.IsActive, testTimeout, testTick)

	src.SetExecError(errNetwork)

	require.Eventually(t, func() bool { return src.Connects() >= 5 }, testTimeout, testTick)
	assert.False(t, m.IsActive())

	// one error for the whole outage.
	assert.Equal(t, 1, logs.count(t, "error", "lock attempt failed, reconnecting"))
	assert.Positive(t, logs.count(t, "debug", "lock attempt failed again, reconnecting"))
	assert.Equal(t, 1, logs.count(t, "warn", "lost the lock, this instance is no longer active"))

	src.SetExecError(nil)

	require.Eventually(t, m.IsActive, testTimeout, testTick)
	assert.Equal(t, 2, logs.count(t, "info", "acquired the lock, this instance is now active"))
}

func TestLoop_ConnectFailuresAreRetried(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	m, src := newTestManager(t, testhelper.NewFakeDatabase(testLockWait))
	src.SetConnectError(errNetwork)

	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return src.Connects() >= 3 }, testTimeout, testTick)
	assert.False(t, m.IsActive())
	assert.Equal(t, 1, logs.count(t, "error", "lock attempt failed, reconnecting"))

	src.SetConnectError(nil)

	require.Eventually(t, m.IsActive, testTimeout, testTick)
}

func TestLoop_ReconnectBackoff(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	m, src := newTestManager(t, testhelper.NewFakeDatabase(testLockWait))
	src.SetConnectError(errNetwork)

	require.NoError(t, m.SetReconnectBackoff(lock.ReconnectBackoff{InitialDelay: time.Hour}))
	require.NoError(t, m.Start(ctx))

	require.Eventually(t, func() bool { return src.Connects() == 1 }, testTimeout, testTick)

	time.Sleep(10 * testPollInterval)

	assert.Equal(t, 1, src.Connects())

	// Stop interrupts the backoff.
	m.Stop()

	select {
	case <-m.Done():
	case <-time.After(testTimeout):
		t.Fatal("the loop did not exit")
	}
}

func TestLoop_ContentionPolicyOverride(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, _ := newTestManager(t, db)
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	b, srcB := newTestManager(t, db)
	require.NoError(t, b.SetContentionPolicy(lock.MessagePrefixPolicy("database is locked")))
	require.NoError(t, b.Start(ctx))

	// the lock wait timeout is now a fault.
	require.Eventually(t, func() bool { return srcB.Connects() >= 2 }, testTimeout, testTick)
}

func TestLoop_AtMostOneActive(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	managers := make([]*lock.Manager, 3)
	for i := range managers {
		managers[i], _ = newTestManager(t, db)
		require.NoError(t, managers[i].Start(ctx))
	}

	var violations atomic.Int32

	stopSampling := make(chan struct{})
	sampleDone := make(chan struct{})

	go func() {
		defer close(sampleDone)

		first := make([]bool, len(managers))

		for {
			select {
			case <-stopSampling:
				return
			default:
			}

			runtime.Gosched()

			for i, m := range managers {
				first[i] = m.IsActive()
			}

			// only instances active on both reads were active at the same time.
			var active int

			for i, m := range managers {
				if first[i] && m.IsActive() {
					active++
				}
			}

			if active > 1 {
				violations.Add(1)
			}
		}
	}()

	// hand the lock over a few times.
	for range 3 {
		var leader *lock.Manager

		require.Eventually(t, func() bool {
			for _, m := range managers {
				if m.IsActive() {
					leader = m

					return true
				}
			}

			return false
		}, testTimeout, testTick)

		leader.Stop()
		<-leader.Done()

		require.NoError(t, leader.Start(ctx))
	}

	for _, m := range managers {
		m.Stop()
		<-m.Done()
	}

	close(stopSampling)
	<-sampleDone

	assert.Zero(t, violations.Load())
}

func TestLoop_Handover(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, _ := newTestManager(t, db)
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	b, _ := newTestManager(t, db)
	require.NoError(t, b.Start(ctx))

	// b keeps waiting while a re-validates.
	time.Sleep(3 * testLockWait)
	assert.False(t, b.IsActive())

	a.Stop()
	<-a.Done()

	// within the lock wait plus a poll of b.
	require.Eventually(t, b.IsActive, testLockWait+2*testPollInterval+time.Second, testTick)
}

func TestLoop_KilledConnectionHandsOver(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, srcA := newTestManager(t, db)
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	b, _ := newTestManager(t, db)
	require.NoError(t, b.Start(ctx))

	srcA.Kill()

	require.Eventually(t, b.IsActive, testTimeout, testTick)
	require.Eventually(t, func() bool { return srcA.Connects() >= 2 }, testTimeout, testTick)
	assert.False(t, a.IsActive())
}

func TestLoop_StopInterruptsTheLockWait(t *testing.T) {
	t.Parallel()

	ctx, logs := newLogContext(t)

	db := testhelper.NewFakeDatabase(time.Hour)

	a, _ := newTestManager(t, db)
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	b, srcB := newTestManager(t, db)
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return countLockStatements(srcB) == 1 }, testTimeout, testTick)
	require.Eventually(t, func() bool { return b.State() == lock.StateAttemptingLock }, testTimeout, testTick)

	b.Stop()

	select {
	case <-b.Done():
	case <-time.After(testTimeout):
		t.Fatal("the lock wait was not interrupted")
	}

	assert.False(t, b.IsActive())
	assert.True(t, a.IsActive())
	assert.Zero(t, logs.count(t, "error", "lock attempt failed, reconnecting"))
}

func TestLoop_ContextCancellationStops(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)
	m, _ := newTestManager(t, db)

	runCtx, cancel := context.WithCancel(ctx)

	require.NoError(t, m.Start(runCtx))
	require.Eventually(t, m.IsActive, testTimeout, testTick)

	cancel()

	select {
	case <-m.Done():
	case <-time.After(testTimeout):
		t.Fatal("the loop did not exit")
	}

	assert.False(t, m.IsActive())
	assert.False(t, db.Locked())
}

func TestLoop_HandlerFailuresAreIsolated(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		handler failover.Handler
		message string
	}{
		{
			name: "errors",
			handler: failover.Funcs{
				OnStart: func(context.Context) error { return errHandler },
				OnStop:  func(context.Context) error { return errHandler },
			},
			message: "failover handler returned an error",
		},
		{
			name: "panics",
			handler: failover.Funcs{
				OnStart: func(context.Context) error { panic("boom") },
				OnStop:  func(context.Context) error { panic("boom") },
			},
			message: "failover handler panicked",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, logs := newLogContext(t)

			m, src := newTestManager(t, testhelper.NewFakeDatabase(testLockWait))
			require.NoError(t, m.SetFailoverHandler(tc.handler))
			require.NoError(t, m.Start(ctx))

			require.Eventually(t, m.IsActive, testTimeout, testTick)
			require.Eventually(t, func() bool { return countLockStatements(src) >= 3 }, testTimeout, testTick)

			assert.Equal(t, 1, src.Connects())
			assert.Positive(t, logs.count(t, "warn", tc.message))
		})
	}
}

// savepointDialect is the default dialect wrapping attempts in a savepoint.
type savepointDialect struct {
	lock.Dialect
}

func (savepointDialect) Savepoint() string { return "attempt" }

func (savepointDialect) SessionStatements() []string { return []string{"SET lock_timeout = 50"} }

func TestLoop_Savepoints(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, srcA := newTestManager(t, db)
	require.NoError(t, a.SetDialect(savepointDialect{Dialect: lock.DefaultDialect}))
	require.NoError(t, a.SetLockTableName("leader"))
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)

	assert.Equal(t, []string{
		"SET lock_timeout = 50",
		"SAVEPOINT attempt",
		"SELECT * FROM leader FOR UPDATE",
		"RELEASE SAVEPOINT attempt",
	}, srcA.Statements()[:4])

	b, srcB := newTestManager(t, db)
	require.NoError(t, b.SetDialect(savepointDialect{Dialect: lock.DefaultDialect}))
	require.NoError(t, b.SetLockTableName("leader"))
	require.NoError(t, b.Start(ctx))

	require.Eventually(t, func() bool { return countLockStatements(srcB) >= 2 }, testTimeout, testTick)

	assert.Equal(t, []string{
		"SET lock_timeout = 50",
		"SAVEPOINT attempt",
		"SELECT * FROM leader FOR UPDATE",
		"ROLLBACK TO SAVEPOINT attempt",
		"SAVEPOINT attempt",
	}, srcB.Statements()[:5])

	assert.Equal(t, 1, srcB.Connects())
}

// startedFlag is a failover handler tracking whether it is started.
type startedFlag struct {
	started atomic.Bool
}

func (f *startedFlag) Start(context.Context) error {
	f.started.Store(true)

	return nil
}

func (f *startedFlag) Stop(context.Context) error {
	f.started.Store(false)

	return nil
}

func TestLoop_LostLockStopsADebouncedHandlerBeforeThePeerStarts(t *testing.T) {
	t.Parallel()

	ctx, _ := newLogContext(t)

	db := testhelper.NewFakeDatabase(testLockWait)

	a, srcA := newTestManager(t, db)

	flagA := &startedFlag{}
	require.NoError(t, a.SetFailoverHandler(failover.Debounce(flagA, time.Hour)))
	require.NoError(t, a.Start(ctx))
	require.Eventually(t, a.IsActive, testTimeout, testTick)
	require.True(t, flagA.started.Load())

	var overlap atomic.Bool

	b, _ := newTestManager(t, db)
	require.NoError(t, b.SetFailoverHandler(failover.Funcs{
		OnStart: func(context.Context) error {
			if flagA.started.Load() {
				overlap.Store(true)
			}

			return nil
		},
	}))
	require.NoError(t, b.Start(ctx))

	// b is now waiting on the lock.
	time.Sleep(5 * testPollInterval)

	srcA.SetExecError(errNetwork)

	require.Eventually(t, b.IsActive, testTimeout, testTick)

	assert.False(t, overlap.Load(), "the peer started while the former leader was still started")
	assert.False(t, flagA.started.Load())
	assert.False(t, a.IsActive())
}

func TestLoop_ShutdownStopsTheHandlerBeforeReleasingTheLock(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		wrap func(failover.Handler) failover.Handler
	}{
		{
			name: "plain handler",
			wrap: func(h failover.Handler) failover.Handler { return h },
		},
		{
			name: "debounced handler",
			wrap: func(h failover.Handler) failover.Handler { return failover.Debounce(h, time.Hour) },
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx, _ := newLogContext(t)

			db := testhelper.NewFakeDatabase(testLockWait)
			m, _ := newTestManager(t, db)

			var (
				started       atomic.Bool
				stopsWhileOn  atomic.Int32
				stoppedLocked atomic.Bool
			)

			handler := failover.Funcs{
				OnStart: func(context.Context) error {
					started.Store(true)

					return nil
				},
				OnStop: func(context.Context) error {
					if started.Swap(false) {
						stopsWhileOn.Add(1)
						stoppedLocked.Store(db.Locked())
					}

					return nil
				},
			}

			require.NoError(t, m.SetFailoverHandler(tc.wrap(handler)))
			require.NoError(t, m.Start(ctx))
			require.Eventually(t, m.IsActive, testTimeout, testTick)

			m.Stop()

			select {
			case <-m.Done():
			case <-time.After(testTimeout):
				t.Fatal("the loop did not exit")
			}

			assert.Positive(t, stopsWhileOn.Load())
			assert.True(t, stoppedLocked.Load(), "the handler was stopped after the lock was released")
			assert.False(t, started.Load())
			assert.False(t, db.Locked())
		})
	}
}
