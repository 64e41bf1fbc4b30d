// Package mysql implements the lock dialect of MySQL and MariaDB (InnoDB).
package mysql

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/kalbasit/dbleader/pkg/lock"
)

const (
	// erLockWaitTimeout is ER_LOCK_WAIT_TIMEOUT.
	erLockWaitTimeout = 1205

	// erLockNowait is ER_LOCK_NOWAIT, returned by FOR UPDATE NOWAIT.
	erLockNowait = 3572
)

// Config holds the configuration of the MySQL dialect.
type Config struct {
	// LockWaitTimeout bounds how long a lock attempt blocks. It is applied with
	// innodb_lock_wait_timeout which has a one second granularity. Zero keeps
	// the server default (50 seconds unless configured otherwise).
	LockWaitTimeout time.Duration
}

// Dialect implements lock.Dialect for MySQL and MariaDB.
type Dialect struct {
	lockWaitSeconds int
}

// New returns the MySQL dialect.
func New(cfg Config) *Dialect {
	var seconds int

	if cfg.LockWaitTimeout > 0 {
		seconds = max(int(math.Ceil(cfg.LockWaitTimeout.Seconds())), 1)
	}

	return &Dialect{lockWaitSeconds: seconds}
}

// Name implements lock.Dialect.
func (d *Dialect) Name() string { return "mysql" }

// SessionStatements implements lock.Dialect.
func (d *Dialect) SessionStatements() []string {
	if d.lockWaitSeconds == 0 {
		return nil
	}

	return []string{fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", d.lockWaitSeconds)}
}

// LockStatement implements lock.Dialect.
func (d *Dialect) LockStatement(table string) string { return lock.SelectForUpdate(table) }

// IsContention implements lock.ContentionPolicy. It recognizes the lock wait
// timeout by its error number and falls back to the message for drivers or
// proxies that do not surface a *mysql.MySQLError.
func (d *Dialect) IsContention(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == erLockWaitTimeout || myErr.Number == erLockNowait
	}

	return lock.DefaultContentionPolicy.IsContention(err)
}
