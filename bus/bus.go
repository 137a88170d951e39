// Package bus subscribes to node telemetry on MQTT broker.
// Client drivers gomqtt (default) and paho connect to external broker,
// embedded driver is itself the broker listening on BrokerURL.
package bus

import (
	"context"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/log2"
)

const (
	DriverGomqtt   = "gomqtt"
	DriverPaho     = "paho"
	DriverEmbedded = "embedded"

	DefaultBrokerURL = "tcp://localhost:1883"
	DefaultTopic     = "temperature/#"
	DefaultClientID  = "envrelay-receiver"
)

var Drivers = []string{DriverGomqtt, DriverPaho, DriverEmbedded}

// Handler is called for every incoming message, possibly concurrently.
type Handler func(topic string, payload []byte)

type Subscriber interface {
	Close() error
}

type Config struct {
	Driver         string
	BrokerURL      string
	ClientID       string
	Topic          string
	KeepaliveSec   int
	ReconnectDelay time.Duration
	Log            *log2.Log
}

func (self *Config) defaults() {
	if self.BrokerURL == "" {
		self.BrokerURL = DefaultBrokerURL
	}
	if self.ClientID == "" {
		self.ClientID = DefaultClientID
	}
	if self.Topic == "" {
		self.Topic = DefaultTopic
	}
	if self.KeepaliveSec <= 0 {
		self.KeepaliveSec = 60
	}
	if self.ReconnectDelay <= 0 {
		self.ReconnectDelay = 5 * time.Second
	}
}

// Subscribe starts background subscription. Network errors are retried forever,
// only configuration errors are returned.
func Subscribe(ctx context.Context, c Config, h Handler) (Subscriber, error) {
	if h == nil {
		return nil, errors.NotValidf("code error bus handler=nil")
	}
	c.defaults()
	switch strings.ToLower(c.Driver) {
	case DriverGomqtt, "":
		return subscribeGomqtt(ctx, c, h)
	case DriverPaho:
		return subscribePaho(ctx, c, h)
	case DriverEmbedded:
		return subscribeEmbedded(ctx, c, h)
	}
	return nil, errors.NotValidf("bus driver=%s (valid: %s)", c.Driver, strings.Join(Drivers, ", "))
}

// DeviceID is last topic segment: temperature/<id>
func DeviceID(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}
