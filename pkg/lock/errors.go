package lock

import "errors"

var (
	// ErrAlreadyRunning is returned by Start and by the configuration setters
	// while the lock loop is running.
	ErrAlreadyRunning = errors.New("lock manager is already running")

	// ErrNoConnectionSource is returned by Start when no ConnectionSource was configured.
	ErrNoConnectionSource = errors.New("lock manager requires a connection source")

	// ErrNoDialect is returned by Start when no Dialect was configured.
	ErrNoDialect = errors.New("lock manager requires a dialect")

	// ErrInvalidTableName is returned when the lock table name is not a plain
	// (optionally schema qualified) SQL identifier.
	ErrInvalidTableName = errors.New("invalid lock table name")

	// ErrInvalidPollInterval is returned when the poll interval is not positive.
	ErrInvalidPollInterval = errors.New("poll interval must be positive")

	// ErrNoDatabase is returned by NewSQLSource when given a nil database.
	ErrNoDatabase = errors.New("database is required")
)
