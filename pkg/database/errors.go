package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
)

var (
	// ErrUnsupportedDriver is returned when the database driver is not recognized.
	ErrUnsupportedDriver = errors.New("unsupported database driver")

	// ErrNoDatabasePath is returned when a SQLite URL has no path.
	ErrNoDatabasePath = errors.New("sqlite database URL requires a path")

	// ErrNoSocketPath is returned when a +unix URL has no socket path.
	ErrNoSocketPath = errors.New("unix socket URL requires a socket path before the database name")
)

// IsDuplicateKeyError checks if the error is a unique constraint violation.
// Works across SQLite, PostgreSQL and MySQL.
func IsDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}

	// SQLite
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	// PostgreSQL
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 is unique_violation in PostgreSQL
		return pgErr.Code == "23505"
	}

	// MySQL
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// 1062 is ER_DUP_ENTRY in MySQL
		return myErr.Number == 1062
	}

	return false
}
