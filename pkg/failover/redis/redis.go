// Package redis announces leadership changes through Redis.
//
// While the instance is active, a Publisher keeps "<prefix>leader" set to the
// instance ID with a short expiry, refreshed on every lock re-validation, and
// publishes an Event on the channel when the instance becomes active or
// inactive. Peers and operators can Watch the channel or read the key.
//
// Redis is advisory only. The database lock stays the single source of truth
// and a Redis outage never delays the lock loop for long: calls go through a
// circuit breaker.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/kalbasit/dbleader/pkg/circuitbreaker"
)

const (
	// DefaultKeyPrefix prefixes the leader key and the channel.
	DefaultKeyPrefix = "dbleader:"

	// DefaultLeaderTTL is the expiry of the leader key.
	DefaultLeaderTTL = 30 * time.Second

	leaderKey   = "leader"
	eventsTopic = "events"
)

// ErrNoRedisAddrs is returned when no address is configured.
var ErrNoRedisAddrs = errors.New("at least one Redis address is required")

// Config holds the Redis connection settings.
type Config struct {
	// Addrs is a list of Redis server addresses. A single address connects
	// to a standalone server, several to a cluster.
	Addrs []string

	Username string
	Password string
	DB       int
	UseTLS   bool
	PoolSize int

	// KeyPrefix prefixes the leader key and the channel. Defaults to DefaultKeyPrefix.
	KeyPrefix string

	// LeaderTTL is the expiry of the leader key. Defaults to DefaultLeaderTTL.
	LeaderTTL time.Duration
}

// Event is published on every leadership change.
type Event struct {
	Instance string    `json:"instance"`
	Active   bool      `json:"active"`
	At       time.Time `json:"at"`
}

// Publisher implements failover.Handler.
type Publisher struct {
	client     redis.UniversalClient
	instanceID string
	key        string
	channel    string
	ttl        time.Duration
	cb         *circuitbreaker.CircuitBreaker

	mu     sync.Mutex
	active bool
}

// release deletes the leader key only if this instance still owns it.
//
//nolint:gochecknoglobals
var release = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewPublisher connects to Redis and returns a Publisher for instanceID.
func NewPublisher(ctx context.Context, cfg Config, instanceID string) (*Publisher, error) {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	ttl := cfg.LeaderTTL
	if ttl <= 0 {
		ttl = DefaultLeaderTTL
	}

	zerolog.Ctx(ctx).
		Info().
		Strs("addrs", cfg.Addrs).
		Str("key", prefix+leaderKey).
		Msg("connected to Redis for leadership announcements")

	return &Publisher{
		client:     client,
		instanceID: instanceID,
		key:        prefix + leaderKey,
		channel:    prefix + eventsTopic,
		ttl:        ttl,
		cb:         circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultTimeout),
	}, nil
}

func newClient(ctx context.Context, cfg Config) (redis.UniversalClient, error) {
	if len(cfg.Addrs) == 0 {
		return nil, ErrNoRedisAddrs
	}

	opts := &redis.UniversalOptions{
		Addrs:    cfg.Addrs,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	if cfg.UseTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("error connecting to Redis: %w", err)
	}

	return client, nil
}

// Start implements failover.Handler. It refreshes the leader key and
// announces the instance when it was not active yet.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cb.Do(func() error {
		if err := p.client.Set(ctx, p.key, p.instanceID, p.ttl).Err(); err != nil {
			return fmt.Errorf("error setting the leader key: %w", err)
		}

		if p.active {
			return nil
		}

		if err := p.publish(ctx, true); err != nil {
			return err
		}

		p.active = true

		return nil
	})
}

// Stop implements failover.Handler. It is a no-op unless the instance was
// announced as active.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.active {
		return nil
	}

	// the key expires on its own if Redis cannot be reached.
	p.active = false

	return p.cb.Do(func() error {
		if err := release.Run(ctx, p.client, []string{p.key}, p.instanceID).Err(); err != nil {
			return fmt.Errorf("error releasing the leader key: %w", err)
		}

		return p.publish(ctx, false)
	})
}

func (p *Publisher) publish(ctx context.Context, active bool) error {
	payload, err := json.Marshal(Event{
		Instance: p.instanceID,
		Active:   active,
		At:       time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("error encoding the leadership event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("error publishing the leadership event: %w", err)
	}

	return nil
}

// Leader returns the instance currently announced as active, or an empty
// string if there is none.
func (p *Publisher) Leader(ctx context.Context) (string, error) {
	id, err := p.client.Get(ctx, p.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("error reading the leader key: %w", err)
	}

	return id, nil
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Watch connects to Redis and calls fn for every leadership event until ctx is
// canceled. Malformed messages are logged and skipped.
func Watch(ctx context.Context, cfg Config, fn func(Event)) error {
	client, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	sub := client.Subscribe(ctx, prefix+eventsTopic)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("error subscribing to the leadership events: %w", err)
	}

	ch := sub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				zerolog.Ctx(ctx).
					Warn().
					Err(err).
					Str("payload", msg.Payload).
					Msg("ignoring a malformed leadership event")

				continue
			}

			fn(e)
		}
	}
}
