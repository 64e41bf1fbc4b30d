package lock

import "time"

// DefaultJitterFactor is the default proportion of delay to add as random jitter.
const DefaultJitterFactor = 0.5

// ReconnectBackoff stretches the delay between attempts while the database
// keeps failing. Contention never triggers it. The zero value disables it and
// the loop always waits the poll interval.
type ReconnectBackoff struct {
	// InitialDelay is the delay after the first fault.
	InitialDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter adds a random delay to spread the reconnects of the peers.
	Jitter bool

	// JitterFactor is the maximum proportion of delay to add as random jitter.
	// Only used if Jitter is true. Defaults to DefaultJitterFactor if not set.
	JitterFactor float64
}

// Enabled reports whether the backoff applies.
func (b ReconnectBackoff) Enabled() bool { return b.InitialDelay > 0 }

// GetJitterFactor returns the JitterFactor if it's set and valid (> 0),
// otherwise it returns DefaultJitterFactor.
func (b ReconnectBackoff) GetJitterFactor() float64 {
	if b.JitterFactor <= 0 {
		return DefaultJitterFactor
	}

	return b.JitterFactor
}

// DefaultReconnectBackoff returns a backoff going from one second to a minute.
func DefaultReconnectBackoff() ReconnectBackoff {
	return ReconnectBackoff{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Jitter:       true,
		JitterFactor: DefaultJitterFactor,
	}
}
