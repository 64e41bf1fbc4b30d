package testhelper

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kalbasit/dbleader/pkg/lock"
)

// ErrLockWaitTimeout is the error a FakeDatabase returns when the row lock
// could not be granted in time. It reads like the MySQL one so that the
// default contention policy recognizes it.
//
//nolint:staticcheck // mirrors the MySQL server message.
var ErrLockWaitTimeout = errors.New("Lock wait timeout exceeded; try restarting transaction")

// ErrConnectionClosed is returned when a closed fake connection is used.
var ErrConnectionClosed = errors.New("fake connection is closed")

// FakeDatabase is an in-memory database with a single lockable row. Any
// statement containing "FOR UPDATE" requests the row lock, which is held until
// the transaction is rolled back or its connection closed. Every other
// statement succeeds.
type FakeDatabase struct {
	mu       sync.Mutex
	lockWait time.Duration
	holder   *fakeTx
	released chan struct{}
}

// NewFakeDatabase returns a FakeDatabase timing out lock waits after lockWait.
func NewFakeDatabase(lockWait time.Duration) *FakeDatabase {
	return &FakeDatabase{
		lockWait: lockWait,
		released: make(chan struct{}),
	}
}

// NewSource returns a connection source with its own counters and faults.
func (db *FakeDatabase) NewSource() *FakeSource {
	return &FakeSource{db: db}
}

// Locked reports whether any transaction holds the row lock.
func (db *FakeDatabase) Locked() bool {
	db.mu.Lock()
	defer db.mu.Unlock()

	return db.holder != nil
}

func (db *FakeDatabase) acquire(ctx context.Context, tx *fakeTx) error {
	timer := time.NewTimer(db.lockWait)
	defer timer.Stop()

	for {
		db.mu.Lock()

		if db.holder == nil || db.holder == tx {
			db.holder = tx
			db.mu.Unlock()

			return nil
		}

		released := db.released

		db.mu.Unlock()

		select {
		case <-released:
		case <-timer.C:
			return ErrLockWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (db *FakeDatabase) release(tx *fakeTx) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.holder != tx {
		return
	}

	db.holder = nil

	close(db.released)
	db.released = make(chan struct{})
}

// FakeSource implements lock.ConnectionSource on top of a FakeDatabase.
type FakeSource struct {
	db *FakeDatabase

	mu         sync.Mutex
	connects   int
	connectErr error
	execErr    error
	conns      []*fakeConn
	statements []string
}

// Connect implements lock.ConnectionSource.
func (s *FakeSource) Connect(context.Context) (lock.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++

	if s.connectErr != nil {
		return nil, s.connectErr
	}

	c := &fakeConn{source: s}
	s.conns = append(s.conns, c)

	return c, nil
}

// Connects returns how many connections were requested.
func (s *FakeSource) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connects
}

// SetConnectError makes the next connections fail with err; nil restores them.
func (s *FakeSource) SetConnectError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectErr = err
}

// SetExecError makes every statement of every connection of this source fail
// with err until it is reset with nil.
func (s *FakeSource) SetExecError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.execErr = err
}

// Kill closes every open connection of this source, releasing the row lock
// they hold, as a database server dropping the client would.
func (s *FakeSource) Kill() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

// Statements returns every statement executed through this source.
func (s *FakeSource) Statements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.statements...)
}

func (s *FakeSource) exec(query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statements = append(s.statements, query)

	return s.execErr
}

type fakeConn struct {
	source *FakeSource

	mu     sync.Mutex
	closed bool
	tx     *fakeTx
}

func (c *fakeConn) BeginTx(context.Context) (lock.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrConnectionClosed
	}

	c.tx = &fakeTx{conn: c}

	return c.tx, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	tx := c.tx

	c.mu.Unlock()

	if tx != nil {
		c.source.db.release(tx)
	}

	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

type fakeTx struct {
	conn *fakeConn
}

func (tx *fakeTx) ExecContext(ctx context.Context, query string, _ ...any) (sql.Result, error) {
	if tx.conn.isClosed() {
		return nil, ErrConnectionClosed
	}

	if err := tx.conn.source.exec(query); err != nil {
		return nil, err
	}

	if strings.Contains(strings.ToUpper(query), "FOR UPDATE") {
		if err := tx.conn.source.db.acquire(ctx, tx); err != nil {
			return nil, err
		}

		// killed while waiting.
		if tx.conn.isClosed() {
			tx.conn.source.db.release(tx)

			return nil, ErrConnectionClosed
		}
	}

	return driver.RowsAffected(1), nil
}

func (tx *fakeTx) Rollback() error {
	tx.conn.source.db.release(tx)

	return nil
}
