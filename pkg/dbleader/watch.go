package dbleader

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	redisfailover "github.com/kalbasit/dbleader/pkg/failover/redis"
)

// ErrRedisAddrsRequired is returned by watch when no Redis address is given.
var ErrRedisAddrsRequired = errors.New("--redis-addrs is required")

func watchCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "watch",
		Usage:  "log the leadership events published to Redis by the running instances",
		Action: watchAction(),
		Flags:  redisFlags(flagSources),
	}
}

func watchAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, ok := redisConfig(cmd)
		if !ok {
			return ErrRedisAddrsRequired
		}

		logger := zerolog.Ctx(ctx).With().Str("cmd", "watch").Logger()

		ctx = logger.WithContext(ctx)

		logger.
			Info().
			Strs("redis_addrs", cfg.Addrs).
			Msg("watching the leadership events")

		return redisfailover.Watch(ctx, cfg, func(e redisfailover.Event) {
			logger.
				Info().
				Str("instance", e.Instance).
				Bool("active", e.Active).
				Str("at", e.At.Format(time.RFC3339Nano)).
				Msg("leadership changed")
		})
	}
}
