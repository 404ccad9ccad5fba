package fetch

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// backoff computes jittered exponential delays between retries.
type backoff struct {
	base time.Duration
	max  time.Duration
}

// delay returns the wait before retry number attempt (0-based): half of the
// capped exponential delay plus up to the same amount of jitter.
func (b backoff) delay(attempt int) time.Duration {
	if b.base <= 0 {
		return 0
	}
	d := float64(b.base) * math.Pow(2, float64(attempt))
	if b.max > 0 && d > float64(b.max) {
		d = float64(b.max)
	}
	half := time.Duration(d / 2)
	return half + jitter(half)
}

func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
