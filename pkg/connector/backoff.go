package connector

import (
	"math/rand/v2"
	"time"
)

// Backoff computes the wait before reconnect attempt n as Base * 2^n plus up
// to Jitter of that value at random. From attempt Cap on the wait is pinned
// at Max, so successive waits never shrink.
type Backoff struct {
	Base   time.Duration
	Cap    int
	Jitter float64

	rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = 500 * time.Millisecond
	}
	if b.Cap <= 0 {
		b.Cap = 6
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.rand == nil {
		b.rand = rand.Float64
	}
	return b
}

func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= b.Cap {
		return b.Max()
	}
	d := b.Base << attempt
	if b.Jitter > 0 {
		d += time.Duration(b.Jitter * b.rand() * float64(d))
	}
	return d
}

// Max is the longest delay Delay can return.
func (b Backoff) Max() time.Duration {
	b = b.withDefaults()
	d := b.Base << b.Cap
	return d + time.Duration(b.Jitter*float64(d))
}
