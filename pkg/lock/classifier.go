package lock

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultContentionPrefix is the message MySQL and MariaDB (InnoDB) report
// when a row lock could not be granted within innodb_lock_wait_timeout.
const DefaultContentionPrefix = "Lock wait timeout exceeded"

// DefaultContentionPolicy recognizes the MySQL/MariaDB lock wait timeout by
// its message. Other databases report contention differently and should use
// the policy of their dialect package instead.
//
//nolint:gochecknoglobals
var DefaultContentionPolicy ContentionPolicy = MessagePrefixPolicy(DefaultContentionPrefix)

// ContentionPolicy decides whether an error returned while attempting the
// lock is the expected "another peer holds the lock" outcome.
type ContentionPolicy interface {
	IsContention(err error) bool
}

// ContentionPolicyFunc adapts a function to a ContentionPolicy.
type ContentionPolicyFunc func(err error) bool

// IsContention implements ContentionPolicy.
func (f ContentionPolicyFunc) IsContention(err error) bool { return f(err) }

// MessagePrefixPolicy reports contention when the error message starts with prefix.
type MessagePrefixPolicy string

// IsContention implements ContentionPolicy.
func (p MessagePrefixPolicy) IsContention(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), string(p))
}

// classifier turns lock loop failures into a reconnect decision and keeps the
// logs quiet during a sustained outage. It is owned by the loop goroutine.
type classifier struct {
	policy        ContentionPolicy
	lastSignature string
}

func newClassifier(policy ContentionPolicy) *classifier {
	if policy == nil {
		policy = DefaultContentionPolicy
	}

	return &classifier{policy: policy}
}

// classify logs err and reports whether the session must be discarded.
func (c *classifier) classify(ctx context.Context, err error) bool {
	if c.policy.IsContention(err) {
		c.lastSignature = ""

		zerolog.Ctx(ctx).
			Debug().
			Err(err).
			Msg("failed to acquire the lock, another instance holds it")

		return false
	}

	msg := err.Error()

	if msg == c.lastSignature {
		zerolog.Ctx(ctx).
			Debug().
			Err(err).
			Msg("lock attempt failed again, reconnecting")
	} else {
		zerolog.Ctx(ctx).
			Error().
			Err(err).
			Msg("lock attempt failed, reconnecting")

		c.lastSignature = msg
	}

	return true
}
