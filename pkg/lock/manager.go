package lock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/kalbasit/dbleader/pkg/helper"
)

// DefaultPollInterval is the delay between two lock attempts.
const DefaultPollInterval = time.Second

const tracerName = "github.com/kalbasit/dbleader/pkg/lock"

// Manager decides whether this process is the active one among its peers.
//
// The configuration setters are only accepted before Start; once the loop is
// running they return ErrAlreadyRunning. IsActive, State and Done are safe to
// call from any goroutine at any time.
type Manager struct {
	// mu guards the configuration and the lifecycle fields below.
	mu sync.Mutex

	source        ConnectionSource
	dialect       Dialect
	policy        ContentionPolicy
	handler       FailoverHandler
	pollInterval  time.Duration
	backoff       ReconnectBackoff
	lockTableName string
	instanceID    string

	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	active     atomic.Bool
	shouldStop atomic.Bool
	state      atomic.Int32
}

// NewManager returns a Manager acquiring the lock through connections of
// source. A nil dialect selects DefaultDialect.
func NewManager(source ConnectionSource, dialect Dialect) *Manager {
	if dialect == nil {
		dialect = DefaultDialect
	}

	done := make(chan struct{})
	close(done)

	m := &Manager{
		source:        source,
		dialect:       dialect,
		pollInterval:  DefaultPollInterval,
		lockTableName: DefaultLockTableName,
		done:          done,
	}

	m.state.Store(int32(StateStopped))

	return m
}

// SetPollInterval configures the delay between two lock attempts.
func (m *Manager) SetPollInterval(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidPollInterval
	}

	return m.configure(func() { m.pollInterval = d })
}

// SetReconnectBackoff configures the delay growth while the database keeps
// failing. The zero value, the default, always waits the poll interval.
func (m *Manager) SetReconnectBackoff(b ReconnectBackoff) error {
	return m.configure(func() { m.backoff = b })
}

// SetLockTableName configures the table holding the lock row.
func (m *Manager) SetLockTableName(name string) error {
	if err := helper.ValidateIdentifier(name); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidTableName, name, err)
	}

	return m.configure(func() { m.lockTableName = name })
}

// SetConnectionSource configures where connections come from.
func (m *Manager) SetConnectionSource(source ConnectionSource) error {
	return m.configure(func() { m.source = source })
}

// SetFailoverHandler configures the handler notified on promotion and demotion.
// A nil handler disables notifications.
func (m *Manager) SetFailoverHandler(handler FailoverHandler) error {
	return m.configure(func() { m.handler = handler })
}

// SetDialect configures the database dialect. A nil dialect selects DefaultDialect.
func (m *Manager) SetDialect(dialect Dialect) error {
	if dialect == nil {
		dialect = DefaultDialect
	}

	return m.configure(func() { m.dialect = dialect })
}

// SetContentionPolicy overrides the contention policy of the dialect.
// A nil policy restores the one of the dialect.
func (m *Manager) SetContentionPolicy(policy ContentionPolicy) error {
	return m.configure(func() { m.policy = policy })
}

// SetInstanceID configures the identifier of this instance used in logs.
func (m *Manager) SetInstanceID(id string) error {
	return m.configure(func() { m.instanceID = id })
}

func (m *Manager) configure(fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	fn()

	return nil
}

// Start spawns the lock loop and returns immediately. The loop runs until
// Stop is called or ctx is canceled; the logger embedded in ctx is used for
// all of its logs.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	if m.source == nil {
		return ErrNoConnectionSource
	}

	if m.dialect == nil {
		return ErrNoDialect
	}

	policy := m.policy
	if policy == nil {
		policy = m.dialect
	}

	l := &loop{
		source:       m.source,
		dialect:      m.dialect,
		handler:      m.handler,
		pollInterval: m.pollInterval,
		backoff:      m.backoff,
		table:        m.lockTableName,
		statement:    m.dialect.LockStatement(m.lockTableName),
		classifier:   newClassifier(policy),
		tracer:       otel.Tracer(tracerName),
		active:       &m.active,
		shouldStop:   &m.shouldStop,
		state:        &m.state,
	}

	logger := zerolog.Ctx(ctx).
		With().
		Str("instance", m.instanceID).
		Str("lock_table", m.lockTableName).
		Str("dialect", m.dialect.Name()).
		Logger()

	ctx, cancel := context.WithCancel(logger.WithContext(ctx))

	done := make(chan struct{})

	m.running = true
	m.cancel = cancel
	m.done = done
	m.shouldStop.Store(false)
	m.state.Store(int32(StateStarting))

	go func() {
		defer close(done)
		defer m.finished(cancel)

		l.run(ctx)
	}()

	logger.
		Info().
		Dur("poll_interval", m.pollInterval).
		Msg("lock manager started")

	return nil
}

func (m *Manager) finished(cancel context.CancelFunc) {
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.cancel = nil
}

// Stop asks the lock loop to exit and returns immediately. A lock wait or a
// sleep in progress is interrupted; use Done to wait for the loop to exit.
func (m *Manager) Stop() {
	m.shouldStop.Store(true)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
}

// Done returns a channel closed once the lock loop started by the last call
// to Start has exited. It is already closed if Start was never called.
func (m *Manager) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.done
}

// IsActive reports whether this instance currently holds the lock.
func (m *Manager) IsActive() bool { return m.active.Load() }

// State returns the current state of the lock loop.
func (m *Manager) State() State { return State(m.state.Load()) }

// IsRunning reports whether the lock loop is running.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}
