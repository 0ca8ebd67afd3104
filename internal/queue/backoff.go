package queue

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before the attempt after `attempt` failures:
// exponential from base, capped at ceiling, with the upper half jittered.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(d-half)+1))
}
