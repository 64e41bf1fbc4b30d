package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kalbasit/dbleader/pkg/helper"
)

// EnsureLockTable creates the lock table if it does not exist and seeds the
// single row every peer locks. It is safe to call concurrently from several
// peers.
func EnsureLockTable(ctx context.Context, db *sql.DB, table string) error {
	if err := helper.ValidateIdentifier(table); err != nil {
		return fmt.Errorf("error validating the lock table name %q: %w", table, err)
	}

	createQuery := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY)", table)
	if _, err := db.ExecContext(ctx, createQuery); err != nil {
		return fmt.Errorf("error creating the lock table %q: %w", table, err)
	}

	var count int

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := db.QueryRowContext(ctx, countQuery).Scan(&count); err != nil {
		return fmt.Errorf("error counting the rows of the lock table %q: %w", table, err)
	}

	if count > 0 {
		return nil
	}

	// The id is a literal so the statement is valid in every dialect; a peer
	// racing us to it makes the insert fail with a duplicate key.
	insertQuery := fmt.Sprintf("INSERT INTO %s (id) VALUES (1)", table)
	if _, err := db.ExecContext(ctx, insertQuery); err != nil {
		if !IsDuplicateKeyError(err) {
			return fmt.Errorf("error seeding the lock table %q: %w", table, err)
		}
	}

	zerolog.Ctx(ctx).
		Info().
		Str("lock_table", table).
		Msg("seeded the lock table")

	return nil
}
