package helpers

import (
	"context"
	"time"
)

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// SleepFunc blocks for d or until ctx is done, whichever comes first.
// Retry loops take it as dependency so tests run without real delays.
type SleepFunc func(ctx context.Context, d time.Duration) error

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NotifySleep calls notify before sleeping and at least every `every` while asleep.
// Long retry loops built on it keep systemd watchdog fed. every<=0 means once per call.
func NotifySleep(sleep SleepFunc, notify func(), every time.Duration) SleepFunc {
	if notify == nil {
		return sleep
	}
	return func(ctx context.Context, d time.Duration) error {
		for {
			notify()
			step := d
			if every > 0 && step > every {
				step = every
			}
			if err := sleep(ctx, step); err != nil {
				return err
			}
			d -= step
			if d <= 0 {
				return nil
			}
		}
	}
}

// SleepRecorder is SleepFunc for tests: remembers requested delays, never blocks.
type SleepRecorder struct {
	Delays []time.Duration
}

func (self *SleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	self.Delays = append(self.Delays, d)
	return ctx.Err()
}

func (self *SleepRecorder) Total() time.Duration {
	var sum time.Duration
	for _, d := range self.Delays {
		sum += d
	}
	return sum
}
