// Package node is the sensor side control loop: keep modem session up,
// read sensors, publish changed values.
package node

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"
	"github.com/temoto/envrelay/frame"
	"github.com/temoto/envrelay/hardware/sensor"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/internal/session"
	"github.com/temoto/envrelay/log2"
)

type Config struct {
	Topic    string
	Interval time.Duration
	Sleep    helpers.SleepFunc
	// Notify is called after every cycle, e.g. systemd watchdog.
	// Session retry delays need own pings, see helpers.NotifySleep.
	Notify func()
	Log    *log2.Log
}

type Stat struct {
	Cycles          uint32
	Publishes       uint32
	PublishFailures uint32
	Suppressed      uint32
	Skipped         uint32
	Rebuilds        uint32
	LastPublish     atomic_clock.Clock
}

func (self *Stat) String() string {
	return fmt.Sprintf("cycles=%d publishes=%d failures=%d suppressed=%d skipped=%d rebuilds=%d last_publish_ago=%v",
		atomic.LoadUint32(&self.Cycles),
		atomic.LoadUint32(&self.Publishes),
		atomic.LoadUint32(&self.PublishFailures),
		atomic.LoadUint32(&self.Suppressed),
		atomic.LoadUint32(&self.Skipped),
		atomic.LoadUint32(&self.Rebuilds),
		atomic_clock.Since(&self.LastPublish),
	)
}

type Node struct {
	c       Config
	log     *log2.Log
	modem   session.Modem
	env     sensor.Environment
	thermal sensor.Thermal
	stat    Stat

	// last attempted values, cpu temperature is not part of change detection
	sent    bool
	sentT   float64
	sentHum float64
}

func New(m session.Modem, env sensor.Environment, thermal sensor.Thermal, c Config) *Node {
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	if c.Sleep == nil {
		c.Sleep = helpers.SleepContext
	}
	return &Node{
		c:       c,
		log:     c.Log,
		modem:   m,
		env:     env,
		thermal: thermal,
	}
}

func (self *Node) Stat() *Stat { return &self.stat }

// Run repeats Step every Interval until ctx is done.
func (self *Node) Run(ctx context.Context) error {
	self.log.Infof("node topic=%s interval=%v", self.c.Topic, self.c.Interval)
	for {
		if err := self.Step(ctx); err != nil {
			return err
		}
		if self.c.Notify != nil {
			self.c.Notify()
		}
		self.log.Debugf("node stat %s", self.stat.String())
		if err := self.c.Sleep(ctx, self.c.Interval); err != nil {
			return err
		}
	}
}

// Step is one cycle. Only context errors are returned,
// everything else is logged and the cycle is skipped.
func (self *Node) Step(ctx context.Context) error {
	atomic.AddUint32(&self.stat.Cycles, 1)
	if err := self.ensureSession(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		self.log.Errorf("node session: %v", err)
		atomic.AddUint32(&self.stat.Skipped, 1)
		return nil
	}

	temp, hum, err := self.env.ReadEnvironment()
	if err != nil {
		self.log.Errorf("node skip cycle: %v", err)
		atomic.AddUint32(&self.stat.Skipped, 1)
		return nil
	}
	cpu, err := self.thermal.ReadInternalTemperature()
	if err != nil {
		self.log.Errorf("node skip cycle: %v", err)
		atomic.AddUint32(&self.stat.Skipped, 1)
		return nil
	}

	if self.sent && temp == self.sentT && hum == self.sentHum {
		self.log.Debugf("node unchanged temp=%v hum=%v", temp, hum)
		atomic.AddUint32(&self.stat.Suppressed, 1)
		return nil
	}

	f := frame.Frame{Temperature: temp, Humidity: hum, CPUTemperature: cpu}
	payload, err := frame.Encode(f)
	if err != nil {
		self.log.Errorf("node skip cycle %s: %v", f.String(), err)
		atomic.AddUint32(&self.stat.Skipped, 1)
		return nil
	}
	self.sent, self.sentT, self.sentHum = true, temp, hum

	err = self.modem.Publish(ctx, self.c.Topic, payload)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atomic.AddUint32(&self.stat.PublishFailures, 1)
		self.log.Errorf("node publish %s: %v", f.String(), err)
		return nil
	}
	atomic.AddUint32(&self.stat.Publishes, 1)
	self.stat.LastPublish.SetNow()
	self.log.Infof("node published %s", f.String())
	return nil
}

// ensureSession brings session up when uninitialized, rebuilds it when signal is gone.
func (self *Node) ensureSession(ctx context.Context) error {
	if self.modem.State() != session.Uninitialized {
		q := self.modem.CheckSignalQuality(ctx)
		if session.ValidSignal(q) {
			return nil
		}
		self.log.Errorf("node signal lost q=%d, rebuild session", q)
		self.modem.Reset()
	}
	atomic.AddUint32(&self.stat.Rebuilds, 1)
	return errors.Trace(session.BringUp(ctx, self.modem))
}
