package postgres

import "time"

// Config holds the configuration of the PostgreSQL dialect.
type Config struct {
	// LockWaitTimeout bounds how long a lock attempt blocks, using the
	// lock_timeout setting of the lock transaction. PostgreSQL waits forever
	// by default so zero falls back to DefaultLockWaitTimeout.
	LockWaitTimeout time.Duration
}
