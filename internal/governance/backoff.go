package governance

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the delay.
	Max time.Duration
	// Multiplier is the growth factor between attempts. Defaults to 2.
	Multiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
}

// Duration returns the delay before retry attempt (0-based).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	backoff := b.Max
	if d := float64(b.Initial) * math.Pow(multiplier, float64(attempt)); d < float64(b.Max) {
		backoff = time.Duration(d)
	}

	if b.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}
