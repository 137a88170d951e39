// Package session drives cellular modem from power-on to MQTT broker connection and publishes.
//
// Session is the only implementation of Modem, command sets of specific modem
// families are Vocabulary values. Retry loops are explicit and all delays go
// through Config.Sleep.
package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

const (
	DefaultSettleDelay     = 2 * time.Second
	DefaultNetworkPoll     = 5 * time.Second
	DefaultConnectBackoff  = 5 * time.Second
	DefaultPublishAttempts = 3
	DefaultPublishDelay    = 2 * time.Second
	DefaultPublishTimeout  = 5 * time.Second
	DefaultKeepaliveSec    = 60
	DefaultBrokerPort      = 1883
	DefaultAPN             = "internet"
)

var (
	ErrSessionLost      = errors.New("modem session lost")
	ErrPublishExhausted = errors.New("publish attempts exhausted")
)

type State uint32

const (
	Uninitialized State = iota
	Attaching
	AttachedWaitingSignal
	Attached
	BrokerConnecting
	BrokerConnected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Attaching:
		return "attaching"
	case AttachedWaitingSignal:
		return "attached-waiting-signal"
	case Attached:
		return "attached"
	case BrokerConnecting:
		return "broker-connecting"
	case BrokerConnected:
		return "broker-connected"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Modem is the capability set node control loop needs.
type Modem interface {
	Init(ctx context.Context) error
	// CheckSignalQuality returns RSSI index 0..99, 0 on any failure.
	CheckSignalQuality(ctx context.Context) int
	WaitForNetwork(ctx context.Context) (int, error)
	ConnectBroker(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	State() State
	Reset()
}

// Transport is satisfied by *modem.Driver.
type Transport interface {
	Tx(ctx context.Context, command string, timeout time.Duration) (modem.Response, error)
	TxData(ctx context.Context, prime string, payload []byte, timeout time.Duration) (modem.Response, error)
}

type PowerToggler interface {
	Toggle(ctx context.Context) error
}

// ValidSignal reports attached-with-signal, 99 means unknown.
func ValidSignal(q int) bool { return q > 0 && q < 99 }

type Config struct {
	APN          string
	ClientID     string
	BrokerHost   string
	BrokerPort   int
	KeepaliveSec int

	// zero means Vocabulary default
	CommandTimeout  time.Duration
	PublishTimeout  time.Duration
	SettleDelay     time.Duration
	NetworkPoll     time.Duration
	ConnectBackoff  helpers.Backoff
	PublishAttempts int
	PublishDelay    time.Duration

	Power PowerToggler
	Sleep helpers.SleepFunc
	Log   *log2.Log
}

type Session struct {
	c       Config
	vocab   Vocabulary
	tr      Transport
	log     *log2.Log
	state   uint32
	signal  int32
	backoff *helpers.Backoff
}

var _ Modem = &Session{}

func New(tr Transport, vocab Vocabulary, c Config) *Session {
	if c.APN == "" {
		c.APN = DefaultAPN
	}
	if c.BrokerPort == 0 {
		c.BrokerPort = DefaultBrokerPort
	}
	if c.KeepaliveSec == 0 {
		c.KeepaliveSec = DefaultKeepaliveSec
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = vocab.CommandTimeout()
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.SettleDelay == 0 {
		c.SettleDelay = DefaultSettleDelay
	}
	if c.NetworkPoll == 0 {
		c.NetworkPoll = DefaultNetworkPoll
	}
	if c.ConnectBackoff.Min == 0 {
		c.ConnectBackoff = *helpers.NewFixedBackoff(DefaultConnectBackoff)
	}
	if c.PublishAttempts == 0 {
		c.PublishAttempts = DefaultPublishAttempts
	}
	if c.PublishDelay == 0 {
		c.PublishDelay = DefaultPublishDelay
	}
	if c.Sleep == nil {
		c.Sleep = helpers.SleepContext
	}
	self := &Session{
		c:     c,
		vocab: vocab,
		tr:    tr,
		log:   c.Log,
	}
	self.backoff = &self.c.ConnectBackoff
	return self
}

func (self *Session) State() State           { return State(atomic.LoadUint32(&self.state)) }
func (self *Session) Signal() int            { return int(atomic.LoadInt32(&self.signal)) }
func (self *Session) Vocabulary() Vocabulary { return self.vocab }

func (self *Session) setState(s State) {
	if prev := State(atomic.SwapUint32(&self.state, uint32(s))); prev != s {
		self.log.Infof("modem=%s state %s -> %s", self.vocab.Name(), prev, s)
	}
}

// Reset forgets everything about previous session, next use starts from Init.
func (self *Session) Reset() {
	self.setState(Uninitialized)
	atomic.StoreInt32(&self.signal, 0)
	self.backoff.Reset()
}

// lost marks link I/O failure, session must be rebuilt.
func (self *Session) lost(err error) error {
	self.setState(Uninitialized)
	atomic.StoreInt32(&self.signal, 0)
	return errors.Annotatef(ErrSessionLost, "modem=%s link: %v", self.vocab.Name(), err)
}

// Init sends attach commands best-effort, outcomes are only logged.
func (self *Session) Init(ctx context.Context) error {
	if self.c.Power != nil {
		if err := self.wake(ctx); err != nil {
			return err
		}
	}
	for _, cmd := range self.vocab.Init(&self.c) {
		r, err := self.run(ctx, cmd)
		if err != nil {
			return self.lost(err)
		}
		if !r.OK() {
			self.log.Infof("modem=%s init %s", self.vocab.Name(), r.String())
		}
	}
	if err := self.c.Sleep(ctx, self.c.SettleDelay); err != nil {
		return errors.Trace(err)
	}
	self.setState(Attaching)
	return nil
}

// wake toggles power key when modem does not answer AT.
func (self *Session) wake(ctx context.Context) error {
	r, err := self.tr.Tx(ctx, "AT", self.c.CommandTimeout)
	if err != nil {
		return self.lost(err)
	}
	if r.Outcome != modem.Timeout {
		return nil
	}
	self.log.Infof("modem=%s silent, toggle power", self.vocab.Name())
	if err = self.c.Power.Toggle(ctx); err != nil {
		return errors.Annotate(err, "modem power")
	}
	return errors.Trace(self.c.Sleep(ctx, self.c.SettleDelay))
}

func (self *Session) CheckSignalQuality(ctx context.Context) int {
	r, err := self.tr.Tx(ctx, "AT+CSQ", self.c.CommandTimeout)
	if err != nil {
		self.log.Error(self.lost(err))
		return 0
	}
	q := 0
	if r.OK() {
		q = ParseCSQ(r.Lines())
	}
	atomic.StoreInt32(&self.signal, int32(q))
	self.log.Debugf("modem=%s signal=%d", self.vocab.Name(), q)
	return q
}

// WaitForNetwork polls signal quality until valid. Unbounded, only ctx ends it early.
func (self *Session) WaitForNetwork(ctx context.Context) (int, error) {
	self.setState(AttachedWaitingSignal)
	for {
		q := self.CheckSignalQuality(ctx)
		if ValidSignal(q) {
			self.setState(Attached)
			return q, nil
		}
		if self.State() == Uninitialized {
			return 0, errors.Annotate(ErrSessionLost, "wait network")
		}
		self.log.Debugf("modem=%s waiting network signal=%d", self.vocab.Name(), q)
		if err := self.c.Sleep(ctx, self.c.NetworkPoll); err != nil {
			return 0, errors.Trace(err)
		}
	}
}

// ConnectBroker retries connect sequence with backoff until success. Unbounded, only ctx ends it early.
func (self *Session) ConnectBroker(ctx context.Context) error {
	self.setState(BrokerConnecting)
	for {
		ok, err := self.sequence(ctx, self.vocab.Connect(&self.c))
		if err != nil {
			return self.lost(err)
		}
		if ok {
			self.backoff.Reset()
			self.setState(BrokerConnected)
			return nil
		}
		delay := self.backoff.DelayAfter(false)
		self.log.Errorf("modem=%s broker=%s:%d connect failed, retry in %v",
			self.vocab.Name(), self.c.BrokerHost, self.c.BrokerPort, delay)
		if err = self.c.Sleep(ctx, delay); err != nil {
			return errors.Trace(err)
		}
	}
}

// Publish tries PublishAttempts times, reconnecting to broker after each failure.
func (self *Session) Publish(ctx context.Context, topic string, payload []byte) error {
	for attempt := 1; attempt <= self.c.PublishAttempts; attempt++ {
		ok, err := self.sequence(ctx, self.vocab.Publish(&self.c, topic, payload))
		if err != nil {
			return self.lost(err)
		}
		if ok {
			self.log.Debugf("modem=%s published topic=%s payload=%x attempt=%d", self.vocab.Name(), topic, payload, attempt)
			return nil
		}
		self.log.Errorf("modem=%s publish topic=%s attempt=%d/%d failed", self.vocab.Name(), topic, attempt, self.c.PublishAttempts)
		if err = self.ConnectBroker(ctx); err != nil {
			return err
		}
		if err = self.c.Sleep(ctx, self.c.PublishDelay); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Annotatef(ErrPublishExhausted, "topic=%s attempts=%d", topic, self.c.PublishAttempts)
}

// sequence runs commands in order, stops on first failed non-optional command.
func (self *Session) sequence(ctx context.Context, cmds []Command) (bool, error) {
	for _, cmd := range cmds {
		r, err := self.run(ctx, cmd)
		if err != nil {
			return false, err
		}
		if r.OK() {
			continue
		}
		if cmd.Optional {
			self.log.Debugf("modem=%s optional %s", self.vocab.Name(), r.String())
			continue
		}
		self.log.Infof("modem=%s %s", self.vocab.Name(), r.String())
		return false, nil
	}
	return true, nil
}

func (self *Session) run(ctx context.Context, cmd Command) (modem.Response, error) {
	timeout := cmd.Timeout
	if timeout == 0 {
		timeout = self.c.CommandTimeout
	}
	if cmd.Data != nil {
		return self.tr.TxData(ctx, cmd.Text, cmd.Data, timeout)
	}
	return self.tr.Tx(ctx, cmd.Text, timeout)
}

// ParseCSQ extracts RSSI from `+CSQ: <rssi>,<ber>` line, 0 when absent or garbled.
func ParseCSQ(lines []string) int {
	for _, line := range lines {
		i := strings.Index(line, "+CSQ:")
		if i < 0 {
			continue
		}
		rest := line[i+len("+CSQ:"):]
		if j := strings.IndexByte(rest, ','); j >= 0 {
			rest = rest[:j]
		}
		q, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil || q < 0 {
			return 0
		}
		return q
	}
	return 0
}

// BringUp runs full path from Uninitialized to BrokerConnected.
func BringUp(ctx context.Context, m Modem) error {
	if err := m.Init(ctx); err != nil {
		return errors.Annotate(err, "modem init")
	}
	if _, err := m.WaitForNetwork(ctx); err != nil {
		return errors.Annotate(err, "modem wait network")
	}
	if err := m.ConnectBroker(ctx); err != nil {
		return errors.Annotate(err, "modem connect broker")
	}
	return nil
}
