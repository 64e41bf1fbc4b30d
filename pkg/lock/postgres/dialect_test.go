package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/kalbasit/dbleader/pkg/lock"
	"github.com/kalbasit/dbleader/pkg/lock/postgres"
)

func TestDialect_Statements(t *testing.T) {
	t.Parallel()

	d := postgres.New(postgres.Config{LockWaitTimeout: 1500 * time.Millisecond})

	assert.Equal(t, "postgres", d.Name())
	assert.Equal(t, []string{"SET LOCAL lock_timeout = '1500ms'"}, d.SessionStatements())
	assert.Equal(t, "SELECT * FROM leader FOR UPDATE", d.LockStatement("leader"))

	def := postgres.New(postgres.Config{})
	assert.Equal(t, []string{"SET LOCAL lock_timeout = '10000ms'"}, def.SessionStatements())
}

func TestDialect_Savepoint(t *testing.T) {
	t.Parallel()

	var d lock.Dialect = postgres.New(postgres.Config{})

	sp, ok := d.(lock.Savepointer)
	if assert.True(t, ok) {
		assert.NotEmpty(t, sp.Savepoint())
	}
}

func TestDialect_IsContention(t *testing.T) {
	t.Parallel()

	d := postgres.New(postgres.Config{})

	assert.True(t, d.IsContention(&pgconn.PgError{Code: "55P03", Message: "canceling statement due to lock timeout"}))
	assert.True(t, d.IsContention(fmt.Errorf("exec: %w", &pgconn.PgError{Code: "55P03"})))
	assert.False(t, d.IsContention(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"}))
	assert.False(t, d.IsContention(&pgconn.PgError{Code: "57014", Message: "canceling statement due to user request"}))
	assert.False(t, d.IsContention(context.Canceled))
}
