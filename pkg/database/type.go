package database

import (
	"fmt"
	"net/url"
	"strings"
)

// Type is the kind of database behind a database URL.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeMySQL
	TypePostgreSQL
	TypeSQLite
)

// DetectFromDatabaseURL detects the database type given a database url.
func DetectFromDatabaseURL(dbURL string) (Type, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return TypeUnknown, fmt.Errorf("error parsing the database URL %q: %w", dbURL, err)
	}

	scheme := strings.ToLower(u.Scheme)

	switch scheme {
	case "mysql", "mysql+unix":
		return TypeMySQL, nil
	case "postgres", "postgresql", "postgres+unix", "postgresql+unix":
		return TypePostgreSQL, nil
	case "sqlite", "sqlite3":
		return TypeSQLite, nil
	default:
		return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedDriver, scheme)
	}
}

// String returns the string representation of a Type.
func (t Type) String() string {
	switch t {
	case TypeMySQL:
		return "MySQL"
	case TypePostgreSQL:
		return "PostgreSQL"
	case TypeSQLite:
		return "SQLite"
	case TypeUnknown:
		fallthrough
	default:
		return "unknown"
	}
}
