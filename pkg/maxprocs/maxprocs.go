// Package maxprocs keeps GOMAXPROCS in line with the CPU quota of the
// container the process runs in.
package maxprocs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// AutoMaxProcs sets GOMAXPROCS from the CPU quota immediately and then every
// d until ctx is canceled. Quotas change when a container is resized.
func AutoMaxProcs(ctx context.Context, d time.Duration, logger zerolog.Logger) error {
	logger = logger.With().Str("operation", "auto-max-procs").Logger()

	infof := diffInfof(logger)

	setMaxProcs := func() {
		if _, err := maxprocs.Set(maxprocs.Logger(infof)); err != nil {
			logger.Error().Err(err).Msg("failed to set GOMAXPROCS")
		}
	}

	setMaxProcs()

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			setMaxProcs()
		}
	}
}

// diffInfof logs a message only when it differs from the previous one.
func diffInfof(logger zerolog.Logger) func(string, ...any) {
	var last string

	return func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		if msg != last {
			logger.Info().Msg(msg)
			last = msg
		}
	}
}
