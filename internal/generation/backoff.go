package generation

import (
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxShift caps the exponent so the delay cannot overflow.
const maxShift = 30

// jitterBackOff yields 2^n*base + rand[0, jitter) as the delay after
// attempt n, counting attempts from one: 2s, 4s, 8s for a 1s base.
type jitterBackOff struct {
	base   time.Duration
	jitter time.Duration
	n      int
	randN  func(int64) int64
}

var _ backoff.BackOff = (*jitterBackOff)(nil)

func newJitterBackOff(base, jitter time.Duration) *jitterBackOff {
	return &jitterBackOff{base: base, jitter: jitter, randN: rand.Int64N}
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	b.n++
	shift := min(b.n, maxShift)
	delay := b.base << shift
	if b.jitter > 0 {
		delay += time.Duration(b.randN(int64(b.jitter)))
	}
	return delay
}

func (b *jitterBackOff) Reset() {
	b.n = 0
}
