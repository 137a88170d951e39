package bus

import (
	"context"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

type pahoSubscriber struct {
	log     *log2.Log
	m       paho.Client
	topic   string
	handler Handler
	stopch  chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

func subscribePaho(ctx context.Context, c Config, h Handler) (Subscriber, error) {
	if c.Log != nil {
		paho.ERROR = c.Log
		paho.CRITICAL = c.Log
		paho.WARN = c.Log
	}
	self := &pahoSubscriber{
		log:     c.Log,
		topic:   c.Topic,
		handler: h,
		stopch:  make(chan struct{}),
	}
	keepalive := time.Duration(c.KeepaliveSec) * time.Second
	mopt := paho.NewClientOptions().
		AddBroker(c.BrokerURL).
		SetClientID(c.ClientID).
		SetCleanSession(true).
		SetKeepAlive(keepalive).
		SetPingTimeout(keepalive / 2).
		SetConnectTimeout(30 * time.Second).
		SetAutoReconnect(true).
		SetDefaultPublishHandler(self.messageHandler).
		SetOnConnectHandler(self.onConnectHandler).
		SetConnectionLostHandler(self.connectLostHandler)
	self.m = paho.NewClient(mopt)

	self.wg.Add(1)
	go self.connectLoop(ctx, helpers.Backoff{Min: c.ReconnectDelay, Max: c.ReconnectDelay * 20, K: 2})
	return self, nil
}

// connectLoop covers initial connect only, later losses are handled by paho auto reconnect.
func (self *pahoSubscriber) connectLoop(ctx context.Context, backoff helpers.Backoff) {
	defer self.wg.Done()
	for {
		token := self.m.Connect()
		token.Wait()
		err := token.Error()
		if err == nil {
			return
		}
		delay := backoff.DelayAfter(false)
		self.log.Errorf("bus connect err=%v retry in %v", err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		case <-self.stopch:
			return
		}
	}
}

func (self *pahoSubscriber) Close() error {
	self.once.Do(func() {
		close(self.stopch)
		self.wg.Wait()
		if self.m.IsConnected() {
			self.m.Disconnect(250)
		}
	})
	return nil
}

func (self *pahoSubscriber) messageHandler(c paho.Client, msg paho.Message) {
	self.handler(msg.Topic(), msg.Payload())
}

func (self *pahoSubscriber) connectLostHandler(c paho.Client, err error) {
	self.log.Errorf("bus connection lost err=%v", err)
}

func (self *pahoSubscriber) onConnectHandler(c paho.Client) {
	if token := c.Subscribe(self.topic, 1, nil); token.Wait() && token.Error() != nil {
		self.log.Errorf("bus subscribe topic=%s err=%v", self.topic, token.Error())
	} else {
		self.log.Infof("bus subscribed topic=%s", self.topic)
	}
}
