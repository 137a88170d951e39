// Package registry keeps latest telemetry per device and forwards it to sink at most once per interval.
//
// Mutex is never held across sink I/O: due records are copied out and marked in flight,
// sink runs unlocked, then LastForwardedAt is stamped under lock again.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/frame"
	"github.com/temoto/envrelay/log2"
	"golang.org/x/sync/errgroup"
)

// Never is LastForwardedAt of device not forwarded yet.
var Never = time.Unix(0, 0)

const DefaultConcurrency = 4

type Record struct {
	DeviceID        string
	Temperature     float64
	Humidity        float64
	CPUTemperature  float64
	LastObservedAt  time.Time
	LastForwardedAt time.Time
}

// Sink delivers one record snapshot. Error means not delivered, it is still not retried until next interval.
type Sink interface {
	Forward(ctx context.Context, r Record) error
}

type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Forward(ctx context.Context, r Record) error { return f(ctx, r) }

type ForwardResult struct {
	Record Record
	Err    error
}

type entry struct {
	Record
	inflight bool
}

type Registry struct {
	mu      sync.Mutex
	devices map[string]*entry

	// Concurrency limits parallel sink calls within one scan.
	Concurrency int
	// OnForward observes every sink call result, called without lock.
	OnForward func(ForwardResult)
	Log       *log2.Log
}

func New(log *log2.Log) *Registry {
	return &Registry{
		devices:     make(map[string]*entry),
		Concurrency: DefaultConcurrency,
		Log:         log,
	}
}

// RecordObservation decodes payload and replaces device values, LastForwardedAt is preserved.
// Malformed payload leaves registry untouched and returns frame.ErrMalformed cause.
func (self *Registry) RecordObservation(deviceID string, payload []byte, now time.Time) error {
	f, err := frame.Decode(payload)
	if err != nil {
		return errors.Annotatef(err, "device=%s", deviceID)
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	e, ok := self.devices[deviceID]
	if !ok {
		e = &entry{Record: Record{DeviceID: deviceID, LastForwardedAt: Never}}
		self.devices[deviceID] = e
		self.Log.Infof("registry new device=%s", deviceID)
	}
	e.Temperature = f.Temperature
	e.Humidity = f.Humidity
	e.CPUTemperature = f.CPUTemperature
	e.LastObservedAt = now
	return nil
}

func (self *Registry) Get(deviceID string) (Record, bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if e, ok := self.devices[deviceID]; ok {
		return e.Record, true
	}
	return Record{}, false
}

func (self *Registry) Len() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return len(self.devices)
}

// Devices returns snapshot of all records sorted by DeviceID.
func (self *Registry) Devices() []Record {
	self.mu.Lock()
	rs := make([]Record, 0, len(self.devices))
	for _, e := range self.devices {
		rs = append(rs, e.Record)
	}
	self.mu.Unlock()
	sort.Slice(rs, func(i, j int) bool { return rs[i].DeviceID < rs[j].DeviceID })
	return rs
}

// ScanAndForward sends every device with now-LastForwardedAt >= interval to sink.
// LastForwardedAt becomes now regardless of sink result.
// Returns number of sink calls.
func (self *Registry) ScanAndForward(ctx context.Context, now time.Time, interval time.Duration, sink Sink) int {
	due := self.takeDue(now, interval)
	if len(due) == 0 {
		return 0
	}

	limit := self.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	g := new(errgroup.Group)
	g.SetLimit(limit)
	for _, r := range due {
		r := r
		g.Go(func() error {
			err := sink.Forward(ctx, r)
			if err != nil {
				self.Log.Errorf("forward device=%s err=%v", r.DeviceID, err)
			}
			self.commit(r.DeviceID, now)
			if self.OnForward != nil {
				self.OnForward(ForwardResult{Record: r, Err: err})
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

func (self *Registry) takeDue(now time.Time, interval time.Duration) []Record {
	self.mu.Lock()
	defer self.mu.Unlock()
	var due []Record
	for _, e := range self.devices {
		if e.inflight || now.Sub(e.LastForwardedAt) < interval {
			continue
		}
		e.inflight = true
		due = append(due, e.Record)
	}
	return due
}

func (self *Registry) commit(deviceID string, now time.Time) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if e, ok := self.devices[deviceID]; ok {
		e.inflight = false
		e.LastForwardedAt = now
	}
}
