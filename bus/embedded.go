package bus

import (
	"context"
	"time"

	"github.com/temoto/envrelay/bus/broker"
)

// subscribeEmbedded listens on BrokerURL, nodes publish straight into receiver.
func subscribeEmbedded(ctx context.Context, c Config, h Handler) (Subscriber, error) {
	s, err := broker.Run(ctx, broker.Options{
		URL:            c.BrokerURL,
		NetworkTimeout: time.Duration(c.KeepaliveSec) * 2 * time.Second,
		Filters:        []string{c.Topic},
		OnMessage:      h,
		Log:            c.Log,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}
