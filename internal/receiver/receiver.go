// Package receiver ties bus subscription, device registry and HTTP sink together.
package receiver

import (
	"context"
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/bus"
	"github.com/temoto/envrelay/frame"
	"github.com/temoto/envrelay/internal/registry"
	"github.com/temoto/envrelay/internal/sink"
	"github.com/temoto/envrelay/log2"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Bus           bus.Config
	Sink          sink.Config
	Interval      time.Duration
	Tick          time.Duration
	Concurrency   int
	MetricsListen string
}

type Receiver struct {
	Registry *registry.Registry
	Metrics  *Metrics
	Now      func() time.Time
	Log      *log2.Log
}

func New(log *log2.Log) *Receiver {
	self := &Receiver{
		Registry: registry.New(log.Named("registry")),
		Metrics:  NewMetrics(),
		Now:      time.Now,
		Log:      log,
	}
	self.Registry.OnForward = self.onForward
	log.SetErrorFunc(func(error) { self.Metrics.LogErrors.Inc() })
	return self
}

// HandleMessage is bus.Handler. Never panics, bad input is logged and dropped.
func (self *Receiver) HandleMessage(topic string, payload []byte) {
	defer func() {
		if x := recover(); x != nil {
			self.Log.Errorf("receiver panic topic=%s payload=%x: %v", topic, payload, x)
		}
	}()

	id := bus.DeviceID(topic)
	if id == "" {
		self.Log.Errorf("receiver empty device id topic=%s", topic)
		return
	}
	err := self.Registry.RecordObservation(id, payload, self.Now())
	if err != nil {
		if errors.Cause(err) == frame.ErrMalformed {
			self.Metrics.Malformed.Inc()
			self.Log.Errorf("invalid payload length from %s: %d", id, len(payload))
			return
		}
		self.Log.Errorf("receiver topic=%s err=%v", topic, err)
		return
	}
	self.Metrics.Observations.Inc()
	self.Metrics.Devices.Set(float64(self.Registry.Len()))
	self.Log.Debugf("receiver device=%s payload=%x", id, payload)
}

func (self *Receiver) onForward(fr registry.ForwardResult) {
	if fr.Err != nil {
		self.Metrics.Forwards.WithLabelValues(resultError).Inc()
		return
	}
	self.Metrics.Forwards.WithLabelValues(resultOK).Inc()
}

// Run subscribes to bus and forwards registry until ctx is done.
func (self *Receiver) Run(ctx context.Context, c Config) error {
	if c.Sink.Log == nil {
		c.Sink.Log = self.Log.Named("sink")
	}
	out, err := sink.NewHTTP(c.Sink)
	if err != nil {
		return errors.Trace(err)
	}
	if c.Concurrency > 0 {
		self.Registry.Concurrency = c.Concurrency
	}
	if c.Bus.Log == nil {
		c.Bus.Log = self.Log.Named("bus")
	}
	sub, err := bus.Subscribe(ctx, c.Bus, self.HandleMessage)
	if err != nil {
		return errors.Trace(err)
	}
	defer sub.Close()

	fwd := &registry.Forwarder{
		Registry: self.Registry,
		Sink:     out,
		Interval: c.Interval,
		Tick:     c.Tick,
		Now:      self.Now,
		Log:      self.Log.Named("forwarder"),
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return fwd.Run(gctx) })
	if c.MetricsListen != "" {
		g.Go(func() error { return self.serveMetrics(gctx, c.MetricsListen) })
	}
	err = g.Wait()
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	return err
}

func (self *Receiver) serveMetrics(ctx context.Context, listen string) error {
	srv := &http.Server{Addr: listen, Handler: self.Metrics.Handler()}
	errch := make(chan error, 1)
	go func() { errch <- srv.ListenAndServe() }()
	self.Log.Infof("metrics listen=%s", listen)
	select {
	case err := <-errch:
		return errors.Annotatef(err, "metrics listen=%s", listen)
	case <-ctx.Done():
		shutctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutctx)
		return ctx.Err()
	}
}
