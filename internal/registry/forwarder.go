package registry

import (
	"context"
	"sync"
	"time"

	"github.com/temoto/envrelay/log2"
)

const (
	DefaultForwardInterval = 60 * time.Second
	DefaultTick            = 1 * time.Second
)

// Forwarder scans registry every Tick. Scans run concurrently with each other,
// in flight marking keeps slow sink from producing duplicates.
type Forwarder struct {
	Registry *Registry
	Sink     Sink
	Interval time.Duration
	Tick     time.Duration
	Now      func() time.Time
	Log      *log2.Log

	wg sync.WaitGroup
}

// Run blocks until ctx is done and all started scans finished.
func (self *Forwarder) Run(ctx context.Context) error {
	interval := self.Interval
	if interval == 0 {
		interval = DefaultForwardInterval
	}
	tick := self.Tick
	if tick == 0 {
		tick = DefaultTick
	}
	now := self.Now
	if now == nil {
		now = time.Now
	}
	self.Log.Debugf("forwarder interval=%v tick=%v", interval, tick)

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			self.wg.Wait()
			return ctx.Err()

		case <-t.C:
			self.wg.Add(1)
			go func(at time.Time) {
				defer self.wg.Done()
				if n := self.Registry.ScanAndForward(ctx, at, interval, self.Sink); n != 0 {
					self.Log.Debugf("forwarder scan forwarded=%d", n)
				}
			}(now())
		}
	}
}
