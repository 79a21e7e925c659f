// Package backoff computes exponential retry delays.
package backoff

import (
	"math"
	"time"
)

const maxShift = 62

// Exponential returns base * 2^attempt, saturating instead of overflowing.
// Negative attempts count as 0.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)

	baseInt := int64(base)
	if baseInt > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(baseInt * multiplier)
}

// Capped is Exponential limited to ceiling. A non-positive ceiling means no
// limit.
func Capped(base time.Duration, attempt int, ceiling time.Duration) time.Duration {
	d := Exponential(base, attempt)
	if ceiling > 0 && d > ceiling {
		return ceiling
	}
	return d
}
