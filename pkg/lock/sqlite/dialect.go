// Package sqlite implements the lock dialect of SQLite.
//
// SQLite has no row locks. The lock statement is a no-op write instead, which
// takes the RESERVED lock of the whole database file and keeps it until the
// transaction ends. Only one connection can hold it at a time, which is all
// leader election needs. This is meant for single host deployments and tests.
package sqlite

import (
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// DefaultLockWaitTimeout is the busy timeout used when none is configured.
const DefaultLockWaitTimeout = 5 * time.Second

// Config holds the configuration of the SQLite dialect.
type Config struct {
	// LockWaitTimeout is the busy timeout of the lock connection.
	LockWaitTimeout time.Duration
}

// Dialect implements lock.Dialect for SQLite.
type Dialect struct {
	busyTimeout time.Duration
}

// New returns the SQLite dialect.
func New(cfg Config) *Dialect {
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = DefaultLockWaitTimeout
	}

	return &Dialect{busyTimeout: cfg.LockWaitTimeout}
}

// Name implements lock.Dialect.
func (d *Dialect) Name() string { return "sqlite" }

// SessionStatements implements lock.Dialect.
func (d *Dialect) SessionStatements() []string {
	return []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", max(d.busyTimeout.Milliseconds(), 1)),
	}
}

// LockStatement implements lock.Dialect.
func (d *Dialect) LockStatement(table string) string {
	return fmt.Sprintf("UPDATE %s SET rowid = rowid", table)
}

// IsContention implements lock.ContentionPolicy.
func (d *Dialect) IsContention(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}

	return false
}
