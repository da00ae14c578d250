// Package backoff provides delay calculations for retry loops.
package backoff

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"time"
)

// Exponential returns base * 2^attempt, capped at max. Attempt 0 yields base.
// A non-positive max disables the cap.
func Exponential(base time.Duration, attempt int, max time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mul := math.Pow(2, float64(attempt))
	d := time.Duration(float64(base) * mul)
	if max > 0 && d > max {
		return max
	}
	return d
}

// Jitter returns a random delay in [0, max), for desynchronizing periodic
// work across instances. A non-positive max yields zero.
func Jitter(max time.Duration) (time.Duration, error) {
	if max <= 0 {
		return 0, nil
	}

	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint64(buf[:]) % uint64(max)
	return time.Duration(n), nil
}
