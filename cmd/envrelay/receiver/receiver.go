// Package receiver is `envrelay receiver` sub-command: bus to HTTP relay.
package receiver

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/temoto/envrelay/cmd/envrelay/subcmd"
	"github.com/temoto/envrelay/config"
	"github.com/temoto/envrelay/internal/receiver"
	"github.com/temoto/envrelay/log2"
)

var Mod = subcmd.Mod{Name: "receiver", NeedConfig: true, Main: Main}

func Main(ctx context.Context, c *config.Config, log *log2.Log, args []string) error {
	rc := c.ReceiverConfig()
	r := receiver.New(log.Named("receiver"))
	log.Infof("receiver bus=%s topic=%s forward=%s", rc.Bus.BrokerURL, rc.Bus.Topic, rc.Sink.Address)
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	return r.Run(ctx, rc)
}
