package testhelper

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dbleader/pkg/database"
)

// SQLiteURL returns the URL of a fresh SQLite database file in a temporary
// directory removed at the end of the test.
func SQLiteURL(t testing.TB) string {
	t.Helper()

	return "sqlite:" + filepath.Join(t.TempDir(), "dbleader.sqlite")
}

// OpenDatabase opens dbURL, creates the lock table and closes the database at
// the end of the test.
func OpenDatabase(t testing.TB, dbURL, table string) *sql.DB {
	t.Helper()

	db, _, err := database.Open(dbURL, nil)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.EnsureLockTable(context.Background(), db, table))

	return db
}
