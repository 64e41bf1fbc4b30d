// Package postgres implements the lock dialect of PostgreSQL.
package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kalbasit/dbleader/pkg/lock"
)

const (
	// DefaultLockWaitTimeout is the lock_timeout used when none is configured.
	DefaultLockWaitTimeout = 10 * time.Second

	// sqlStateLockNotAvailable is the SQLSTATE of lock_not_available, raised
	// when lock_timeout elapses or with FOR UPDATE NOWAIT.
	sqlStateLockNotAvailable = "55P03"

	savepointName = "dbleader_lock_attempt"
)

// Dialect implements lock.Dialect for PostgreSQL.
type Dialect struct {
	lockWait time.Duration
}

// New returns the PostgreSQL dialect.
func New(cfg Config) *Dialect {
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = DefaultLockWaitTimeout
	}

	return &Dialect{lockWait: cfg.LockWaitTimeout}
}

// Name implements lock.Dialect.
func (d *Dialect) Name() string { return "postgres" }

// SessionStatements implements lock.Dialect.
func (d *Dialect) SessionStatements() []string {
	return []string{
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", max(d.lockWait.Milliseconds(), 1)),
	}
}

// LockStatement implements lock.Dialect.
func (d *Dialect) LockStatement(table string) string { return lock.SelectForUpdate(table) }

// Savepoint implements lock.Savepointer. A failed statement aborts a
// PostgreSQL transaction so contended attempts are rolled back to it.
func (d *Dialect) Savepoint() string { return savepointName }

// IsContention implements lock.ContentionPolicy.
func (d *Dialect) IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateLockNotAvailable
	}

	return false
}
