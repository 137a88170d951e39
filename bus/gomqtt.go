package bus

import (
	"context"

	"github.com/256dpi/gomqtt/packet"
	"github.com/temoto/envrelay/bus/mqtt"
)

func subscribeGomqtt(ctx context.Context, c Config, h Handler) (Subscriber, error) {
	opt := mqtt.ClientOptions{
		BrokerURL:      c.BrokerURL,
		ClientID:       c.ClientID,
		KeepaliveSec:   uint16(c.KeepaliveSec),
		ReconnectDelay: c.ReconnectDelay,
		Subscriptions:  []packet.Subscription{{Topic: c.Topic, QOS: packet.QOSAtLeastOnce}},
		Log:            c.Log,
		OnMessage: func(m *packet.Message) error {
			h(m.Topic, m.Payload)
			return nil
		},
	}
	client, err := mqtt.NewClient(opt)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := client.WaitReady(ctx); err == nil {
			c.Log.Infof("bus subscribed broker=%s topic=%s", c.BrokerURL, c.Topic)
		}
	}()
	return client, nil
}
