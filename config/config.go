// Package config reads envrelay.hcl with includes, applies defaults and converts sections
// into component configs.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/envrelay/bus"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/hardware/sensor"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/internal/receiver"
	"github.com/temoto/envrelay/internal/session"
	"github.com/temoto/envrelay/internal/sink"
	"github.com/temoto/envrelay/log2"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	LogDebug bool           `hcl:"log_debug"`
	Node     NodeConfig     `hcl:"node"`
	Receiver ReceiverConfig `hcl:"receiver"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type NodeConfig struct {
	DeviceID    string `hcl:"device_id"`
	IntervalSec int    `hcl:"interval_sec"`
	TopicPrefix string `hcl:"topic_prefix"`
	Modem       struct {
		Variant          string `hcl:"variant"`
		UartDriver       string `hcl:"uart_driver"`
		UartDevice       string `hcl:"uart_device"`
		Baud             int    `hcl:"baud"`
		APN              string `hcl:"apn"`
		CommandTimeoutMs int    `hcl:"command_timeout_ms"`
		PublishTimeoutMs int    `hcl:"publish_timeout_ms"`
		PowerKey         struct {
			Chip string `hcl:"chip"`
			Line int    `hcl:"line"`
		} `hcl:"power_key"`
		LogDebug bool `hcl:"log_debug"`
	} `hcl:"modem"`
	Broker struct {
		Host         string `hcl:"host"`
		Port         int    `hcl:"port"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"broker"`
	Retry struct {
		NetworkPollSec       int `hcl:"network_poll_sec"`
		ConnectBackoffSec    int `hcl:"connect_backoff_sec"`
		ConnectBackoffMaxSec int `hcl:"connect_backoff_max_sec"`
		PublishAttempts      int `hcl:"publish_attempts"`
		PublishDelaySec      int `hcl:"publish_delay_sec"`
	} `hcl:"retry"`
	Sensor struct {
		Driver      string `hcl:"driver"`
		I2CBus      string `hcl:"i2c_bus"`
		I2CAddr     int    `hcl:"i2c_addr"`
		ThermalZone string `hcl:"thermal_zone"`
	} `hcl:"sensor"`
}

type ReceiverConfig struct {
	Bus struct {
		Driver       string `hcl:"driver"`
		BrokerURL    string `hcl:"broker_url"`
		ClientID     string `hcl:"client_id"`
		Topic        string `hcl:"topic"`
		KeepaliveSec int    `hcl:"keepalive_sec"`
	} `hcl:"bus"`
	Forward struct {
		Address     string `hcl:"address"`
		URLTemplate string `hcl:"url_template"`
		IntervalSec int    `hcl:"interval_sec"`
		TickMs      int    `hcl:"tick_ms"`
		TimeoutSec  int    `hcl:"timeout_sec"`
		Concurrency int    `hcl:"concurrency"`
	} `hcl:"forward"`
	MetricsListen string `hcl:"metrics_listen"`
}

const (
	DefaultNodeInterval = 10 * time.Second
	DefaultTopicPrefix  = "temperature"
	DefaultUartDevice   = "/dev/ttyS0"
	DefaultBaud         = 9600
)

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values overwrite earlier ones.
// Defaults are applied after all sources, then config is validated.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return c, err
	}
	c.applyDefaults()
	return c, c.Validate()
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) applyDefaults() {
	n := &c.Node
	if n.IntervalSec == 0 {
		n.IntervalSec = int(DefaultNodeInterval / time.Second)
	}
	if n.TopicPrefix == "" {
		n.TopicPrefix = DefaultTopicPrefix
	}
	n.TopicPrefix = strings.TrimRight(n.TopicPrefix, "/")
	if n.Modem.Variant == "" {
		n.Modem.Variant = session.VariantNBIoT
	}
	if n.Modem.UartDriver == "" {
		n.Modem.UartDriver = "file"
	}
	if n.Modem.UartDevice == "" {
		n.Modem.UartDevice = DefaultUartDevice
	}
	if n.Modem.Baud == 0 {
		n.Modem.Baud = DefaultBaud
	}
	if n.Modem.APN == "" {
		n.Modem.APN = session.DefaultAPN
	}
	if n.Broker.Port == 0 {
		n.Broker.Port = session.DefaultBrokerPort
	}
	if n.Broker.KeepaliveSec == 0 {
		n.Broker.KeepaliveSec = session.DefaultKeepaliveSec
	}
	if n.Sensor.Driver == "" {
		n.Sensor.Driver = sensor.DriverBME280
	}

	r := &c.Receiver
	if r.Bus.Driver == "" {
		r.Bus.Driver = bus.DriverGomqtt
	}
	if r.Bus.BrokerURL == "" {
		r.Bus.BrokerURL = bus.DefaultBrokerURL
	}
	if r.Bus.Topic == "" {
		r.Bus.Topic = DefaultTopicPrefix + "/#"
	}
	if r.Forward.Address == "" {
		r.Forward.Address = sink.DefaultAddress
	}
	if r.Forward.URLTemplate == "" {
		r.Forward.URLTemplate = sink.DefaultURLTemplate
	}
}

// Validate checks values that would otherwise fail late, at first use of hardware.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	n := &c.Node
	if n.IntervalSec < 0 {
		errs = append(errs, errors.NotValidf("node.interval_sec=%d", n.IntervalSec))
	}
	if _, err := session.VocabularyByName(n.Modem.Variant); err != nil {
		errs = append(errs, err)
	}
	switch n.Modem.UartDriver {
	case "file", "serial", "tarm":
	default:
		errs = append(errs, errors.NotValidf("node.modem.uart_driver=%s (valid: file, serial)", n.Modem.UartDriver))
	}
	if n.Broker.Port <= 0 || n.Broker.Port > 65535 {
		errs = append(errs, errors.NotValidf("node.broker.port=%d", n.Broker.Port))
	}
	if n.Retry.PublishAttempts < 0 {
		errs = append(errs, errors.NotValidf("node.retry.publish_attempts=%d", n.Retry.PublishAttempts))
	}
	if n.Sensor.I2CAddr < 0 || n.Sensor.I2CAddr > 0x7f {
		errs = append(errs, errors.NotValidf("node.sensor.i2c_addr=%#x", n.Sensor.I2CAddr))
	}
	switch strings.ToLower(c.Receiver.Bus.Driver) {
	case bus.DriverGomqtt, bus.DriverPaho, bus.DriverEmbedded:
	default:
		errs = append(errs, errors.NotValidf("receiver.bus.driver=%s (valid: %s)", c.Receiver.Bus.Driver, strings.Join(bus.Drivers, ", ")))
	}
	if c.Receiver.Forward.Concurrency < 0 {
		errs = append(errs, errors.NotValidf("receiver.forward.concurrency=%d", c.Receiver.Forward.Concurrency))
	}
	return helpers.FoldErrors(errs)
}

// Topic is where node publishes: <prefix>/<device id>
func (c *Config) Topic(deviceID string) string {
	return c.Node.TopicPrefix + "/" + deviceID
}

func (c *Config) NodeInterval() time.Duration {
	return helpers.IntSecondDefault(c.Node.IntervalSec, DefaultNodeInterval)
}

func (c *Config) ModemConfig(log *log2.Log) modem.Config {
	return modem.Config{
		Path: c.Node.Modem.UartDevice,
		Baud: c.Node.Modem.Baud,
		Log:  log,
	}
}

// SessionConfig leaves Power, Sleep and Log for caller.
func (c *Config) SessionConfig(clientID string) session.Config {
	n := &c.Node
	backoffMin := helpers.IntSecondDefault(n.Retry.ConnectBackoffSec, session.DefaultConnectBackoff)
	backoffMax := helpers.IntSecondDefault(n.Retry.ConnectBackoffMaxSec, backoffMin)
	backoff := helpers.Backoff{Min: backoffMin, Max: backoffMax, K: 1}
	if backoffMax > backoffMin {
		backoff.K = 2
	}
	return session.Config{
		APN:             n.Modem.APN,
		ClientID:        clientID,
		BrokerHost:      n.Broker.Host,
		BrokerPort:      n.Broker.Port,
		KeepaliveSec:    n.Broker.KeepaliveSec,
		CommandTimeout:  helpers.IntMillisecondDefault(n.Modem.CommandTimeoutMs, 0),
		PublishTimeout:  helpers.IntMillisecondDefault(n.Modem.PublishTimeoutMs, 0),
		NetworkPoll:     helpers.IntSecondDefault(n.Retry.NetworkPollSec, 0),
		ConnectBackoff:  backoff,
		PublishAttempts: n.Retry.PublishAttempts,
		PublishDelay:    helpers.IntSecondDefault(n.Retry.PublishDelaySec, 0),
	}
}

func (c *Config) SensorConfig() sensor.Config {
	s := &c.Node.Sensor
	return sensor.Config{
		Driver:      s.Driver,
		I2CBus:      s.I2CBus,
		I2CAddr:     uint16(s.I2CAddr),
		ThermalZone: s.ThermalZone,
	}
}

func (c *Config) ReceiverConfig() receiver.Config {
	r := &c.Receiver
	return receiver.Config{
		Bus: bus.Config{
			Driver:       r.Bus.Driver,
			BrokerURL:    r.Bus.BrokerURL,
			ClientID:     r.Bus.ClientID,
			Topic:        r.Bus.Topic,
			KeepaliveSec: r.Bus.KeepaliveSec,
		},
		Sink: sink.Config{
			Address:     r.Forward.Address,
			URLTemplate: r.Forward.URLTemplate,
			Timeout:     helpers.IntSecondDefault(r.Forward.TimeoutSec, sink.DefaultTimeout),
		},
		Interval:      helpers.IntSecondDefault(r.Forward.IntervalSec, 0),
		Tick:          helpers.IntMillisecondDefault(r.Forward.TickMs, 0),
		Concurrency:   r.Forward.Concurrency,
		MetricsListen: r.MetricsListen,
	}
}
