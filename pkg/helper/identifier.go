package helper

import (
	"errors"
	"regexp"
)

// ErrInvalidIdentifier is returned if a name is not a plain SQL identifier.
var ErrInvalidIdentifier = errors.New("invalid SQL identifier")

// identifierRegexp matches an unquoted SQL identifier optionally qualified by
// a schema (e.g. "lockTable" or "public.lock_table").
var identifierRegexp = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(?:\.[A-Za-z_][A-Za-z0-9_$]*)?$`)

// ValidateIdentifier makes sure the name can be interpolated into a SQL
// statement as a table name without quoting.
func ValidateIdentifier(name string) error {
	if len(name) > 128 || !identifierRegexp.MatchString(name) {
		return ErrInvalidIdentifier
	}

	return nil
}
