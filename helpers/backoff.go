package helpers

import (
	"sync/atomic"
	"time"
)

// Limited exponential backoff for retry delays.
// First delay after failure is Min, each next failure multiplies it by K up to Max.
// K<=1 with Min=Max gives fixed delay.
type Backoff struct {
	next int64 // atomic align

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

func NewFixedBackoff(d time.Duration) *Backoff {
	return &Backoff{Min: d, Max: d, K: 1}
}

// Use scenario:
// for {
//   err := op()
//   sleep(backoff.DelayAfter(err==nil))
// }
func (b *Backoff) DelayAfter(success bool) time.Duration {
	if success {
		b.Reset()
		return 0
	}
	b.Failure()
	return b.limit(time.Duration(atomic.LoadInt64(&b.next)))
}

// Increase next delay.
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else if b.K > 1 {
		next = time.Duration(float32(next) * b.K)
	}
	atomic.StoreInt64(&b.next, int64(b.limit(next)))
}

func (b *Backoff) Reset() {
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
