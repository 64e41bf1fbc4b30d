// Package lock implements leader election on top of a relational database.
//
// Several identical peers point a Manager at the same lock table. Each Manager
// keeps a dedicated connection with an open, never committed transaction and
// repeatedly issues a blocking exclusive row lock statement (SELECT ... FOR
// UPDATE or its dialect equivalent) against that table. The peer whose
// statement is granted is the active one; everybody else stays blocked in the
// database until the lock wait timeout elapses and tries again.
//
// Correctness is delegated entirely to the database row locking. There is no
// fencing token: a former leader that is paused or partitioned may keep doing
// leader-only work until its own loop notices the lost lock.
package lock

import (
	"context"
	"database/sql"

	"github.com/kalbasit/dbleader/pkg/failover"
)

// DefaultLockTableName is the lock table used when none is configured.
const DefaultLockTableName = "lockTable"

// ConnectionSource hands out database connections to the lock loop.
//
// The loop asks for exactly one connection per reconnect cycle and holds it
// until a fault or a shutdown, so a pooled source must be able to spare one
// connection per Manager for as long as the Manager runs.
type ConnectionSource interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single dedicated database connection.
type Conn interface {
	// BeginTx starts a manually committed transaction on the connection.
	BeginTx(ctx context.Context) (Tx, error)

	// Close returns the connection to its source.
	Close() error
}

// Tx is an open transaction. *sql.Tx satisfies it.
type Tx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Rollback() error
}

// Dialect describes how a particular database is asked for the lock and how
// its "somebody else holds the lock" error looks like.
type Dialect interface {
	ContentionPolicy

	// Name returns the name of the dialect for logs and metrics.
	Name() string

	// SessionStatements are executed once on every newly opened transaction,
	// before the first lock attempt. They are typically used to set the lock
	// wait timeout of the session.
	SessionStatements() []string

	// LockStatement returns the statement requesting an exclusive row lock on
	// the given table. It must block until the lock is granted or the database
	// lock wait timeout elapses.
	LockStatement(table string) string
}

// Savepointer is implemented by dialects whose transactions become unusable
// after a failed statement (PostgreSQL). Every lock attempt is then wrapped in
// a savepoint which is rolled back on contention and released on success.
type Savepointer interface {
	Savepoint() string
}

// FailoverHandler is notified when the Manager becomes active or inactive.
type FailoverHandler = failover.Handler
