package dbleader

import (
	"github.com/urfave/cli/v3"

	redisfailover "github.com/kalbasit/dbleader/pkg/failover/redis"
)

func redisFlags(flagSources flagSourcesFn) []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "redis-addrs",
			Usage:   "Redis server addresses leadership events are published to (e.g., localhost:6379)",
			Sources: flagSources("redis.addrs", "REDIS_ADDRS"),
		},
		&cli.StringFlag{
			Name:    "redis-username",
			Usage:   "Redis username for authentication (for Redis ACL)",
			Sources: flagSources("redis.username", "REDIS_USERNAME"),
		},
		&cli.StringFlag{
			Name:    "redis-password",
			Usage:   "Redis password for authentication",
			Sources: flagSources("redis.password", "REDIS_PASSWORD"),
		},
		&cli.IntFlag{
			Name:    "redis-db",
			Usage:   "Redis database number (0-15)",
			Sources: flagSources("redis.db", "REDIS_DB"),
		},
		&cli.BoolFlag{
			Name:    "redis-use-tls",
			Usage:   "Use TLS for Redis connection",
			Sources: flagSources("redis.use-tls", "REDIS_USE_TLS"),
		},
		&cli.IntFlag{
			Name:    "redis-pool-size",
			Usage:   "Redis connection pool size",
			Sources: flagSources("redis.pool-size", "REDIS_POOL_SIZE"),
			Value:   10,
		},
		&cli.StringFlag{
			Name:    "redis-key-prefix",
			Usage:   "Prefix of the Redis leader key and events channel",
			Sources: flagSources("redis.key-prefix", "REDIS_KEY_PREFIX"),
			Value:   redisfailover.DefaultKeyPrefix,
		},
		&cli.DurationFlag{
			Name:    "redis-leader-ttl",
			Usage:   "Expiry of the Redis leader key, refreshed on every successful lock attempt",
			Sources: flagSources("redis.leader-ttl", "REDIS_LEADER_TTL"),
			Value:   redisfailover.DefaultLeaderTTL,
		},
	}
}

// redisConfig returns the Redis configuration and whether Redis is enabled.
func redisConfig(cmd *cli.Command) (redisfailover.Config, bool) {
	var addrs []string

	for _, addr := range cmd.StringSlice("redis-addrs") {
		if addr != "" {
			addrs = append(addrs, addr)
		}
	}

	if len(addrs) == 0 {
		return redisfailover.Config{}, false
	}

	return redisfailover.Config{
		Addrs:     addrs,
		Username:  cmd.String("redis-username"),
		Password:  cmd.String("redis-password"),
		DB:        cmd.Int("redis-db"),
		UseTLS:    cmd.Bool("redis-use-tls"),
		PoolSize:  cmd.Int("redis-pool-size"),
		KeyPrefix: cmd.String("redis-key-prefix"),
		LeaderTTL: cmd.Duration("redis-leader-ttl"),
	}, true
}
