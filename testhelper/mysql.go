package testhelper

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dbleader/pkg/database"
)

// SetupMySQL creates a new temporary MySQL database and returns its URL. The
// database is dropped at the end of the test. It requires the
// DBLEADER_TEST_ADMIN_MYSQL_URL environment variable to be set.
func SetupMySQL(t *testing.T) string {
	t.Helper()

	adminDBURL := os.Getenv("DBLEADER_TEST_ADMIN_MYSQL_URL")
	if adminDBURL == "" {
		t.Skip("Skipping MySQL test: DBLEADER_TEST_ADMIN_MYSQL_URL not set")
	}

	adminDB, _, err := database.Open(adminDBURL, nil)
	require.NoError(t, err, "failed to connect to the mysql database")

	dbName := RandIdentifier("test")

	_, err = adminDB.ExecContext(context.Background(), fmt.Sprintf("CREATE DATABASE `%s`", dbName))
	require.NoError(t, err, "failed to create database %s", dbName)

	t.Cleanup(func() {
		_, _ = adminDB.ExecContext(context.Background(), fmt.Sprintf("DROP DATABASE `%s`", dbName))
		_ = adminDB.Close()
	})

	u, err := url.Parse(adminDBURL)
	require.NoError(t, err)

	u.Path = "/" + dbName

	return u.String()
}
