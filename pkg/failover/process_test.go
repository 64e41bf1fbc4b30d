package failover_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/dbleader/pkg/failover"
)

func TestNewProcess(t *testing.T) {
	t.Parallel()

	_, err := failover.NewProcess(nil, time.Second)
	require.ErrorIs(t, err, failover.ErrEmptyCommand)

	_, err = failover.NewProcess([]string{""}, time.Second)
	require.ErrorIs(t, err, failover.ErrEmptyCommand)
}

func TestProcess(t *testing.T) {
	t.Parallel()

	t.Run("start is idempotent and stop terminates the child", func(t *testing.T) {
		t.Parallel()

		p, err := failover.NewProcess([]string{"sleep", "30"}, time.Second)
		require.NoError(t, err)

		p.SetOutput(io.Discard, io.Discard)

		require.NoError(t, p.Stop(context.Background()))
		assert.False(t, p.Running())

		require.NoError(t, p.Start(context.Background()))
		require.NoError(t, p.Start(context.Background()))
		assert.True(t, p.Running())

		require.NoError(t, p.Stop(context.Background()))
		assert.False(t, p.Running())

		require.NoError(t, p.Stop(context.Background()))
	})

	t.Run("a child ignoring SIGTERM is killed after the grace period", func(t *testing.T) {
		t.Parallel()

		p, err := failover.NewProcess(
			[]string{"sh", "-c", "trap '' TERM; while true; do sleep 1; done"},
			100*time.Millisecond,
		)
		require.NoError(t, err)

		p.SetOutput(io.Discard, io.Discard)

		require.NoError(t, p.Start(context.Background()))

		// give the shell a moment to install the trap.
		time.Sleep(100 * time.Millisecond)

		start := time.Now()

		require.NoError(t, p.Stop(context.Background()))
		assert.False(t, p.Running())
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("a child that exited is started again", func(t *testing.T) {
		t.Parallel()

		p, err := failover.NewProcess([]string{"true"}, time.Second)
		require.NoError(t, err)

		p.SetOutput(io.Discard, io.Discard)

		require.NoError(t, p.Start(context.Background()))

		require.Eventually(t, func() bool { return !p.Running() }, 5*time.Second, 10*time.Millisecond)

		require.NoError(t, p.Start(context.Background()))
		require.NoError(t, p.Stop(context.Background()))
	})

	t.Run("a missing binary is reported", func(t *testing.T) {
		t.Parallel()

		p, err := failover.NewProcess([]string{"/nonexistent/dbleader-test-binary"}, time.Second)
		require.NoError(t, err)

		require.Error(t, p.Start(context.Background()))
		assert.False(t, p.Running())
	})
}
