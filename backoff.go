package ayame

import (
	"math/rand"
	"time"
)

// backoffer implements exponential backoff with proportional jitter.
type backoffer struct {
	min, max time.Duration
	jitter   float64
	n        int64
}

func newBackoffer(min, max time.Duration, jitter float64) *backoffer {
	return &backoffer{min: min, max: max, jitter: jitter}
}

func (b *backoffer) Reset() {
	b.n = 0
}

func (b *backoffer) Next() time.Duration {
	if b.n == 0 {
		b.n = 1
		return 0
	}

	d := time.Duration(b.n) * b.min
	if d > b.max {
		d = b.max
	} else {
		b.n *= 2
	}

	if b.jitter != 0 {
		// spread reconnections of clients dropped at the same instant
		d += time.Duration((rand.Float64()*2 - 1) * b.jitter * float64(d))
	}

	return d
}
