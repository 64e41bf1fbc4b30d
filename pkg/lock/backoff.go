package lock

import (
	"math"
	"time"

	mathrand "math/rand"
)

// Delay returns the backoff after the given number of consecutive faults.
// No fault means no backoff.
func (b ReconnectBackoff) Delay(faults int) time.Duration {
	if faults <= 0 || !b.Enabled() {
		return 0
	}

	// InitialDelay * 2^(faults-1), capped.
	limit := float64(math.MaxInt64 >> 1)
	if b.MaxDelay > 0 {
		limit = float64(b.MaxDelay)
	}

	delay := time.Duration(math.Min(float64(b.InitialDelay)*math.Pow(2, float64(faults-1)), limit))

	if b.Jitter {
		//nolint:gosec // G404: jitter does not need crypto-grade randomness
		jitter := mathrand.Float64() * float64(delay) * b.GetJitterFactor()
		delay += time.Duration(jitter)
	}

	return delay
}

// wait returns how long the loop sleeps after an iteration.
func (b ReconnectBackoff) wait(pollInterval time.Duration, faults int) time.Duration {
	return max(pollInterval, b.Delay(faults))
}
