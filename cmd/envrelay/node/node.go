// Package node is `envrelay node` sub-command: sensor node publishing over cellular modem.
package node

import (
	"context"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/envrelay/cmd/envrelay/subcmd"
	"github.com/temoto/envrelay/config"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/hardware/sensor"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/internal/node"
	"github.com/temoto/envrelay/internal/session"
	"github.com/temoto/envrelay/log2"
)

var Mod = subcmd.Mod{Name: "node", NeedConfig: true, Main: Main}

func Main(ctx context.Context, c *config.Config, log *log2.Log, args []string) error {
	nc := &c.Node
	if nc.Broker.Host == "" {
		return errors.NotValidf("node.broker.host empty")
	}
	deviceID, err := node.DeviceID(nc.DeviceID, nil)
	if err != nil {
		return errors.Trace(err)
	}
	vocab, err := session.VocabularyByName(nc.Modem.Variant)
	if err != nil {
		return errors.Trace(err)
	}

	uart, err := modem.NewUart(nc.Modem.UartDriver)
	if err != nil {
		return errors.Trace(err)
	}
	modemLog := log.Named("modem")
	if !nc.Modem.LogDebug {
		modemLog.SetLevel(log2.LInfo)
	}
	drv, err := modem.NewDriver(uart, c.ModemConfig(modemLog))
	if err != nil {
		return errors.Annotatef(err, "modem device=%s", nc.Modem.UartDevice)
	}
	closers := []func() error{drv.Close}
	defer func() {
		errs := make([]error, 0, len(closers))
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		if err := helpers.FoldErrors(errs); err != nil {
			log.Errorf("node close: %v", err)
		}
	}()

	// every retry delay feeds watchdog, network wait and broker connect are unbounded
	notify, watchdogInterval := subcmd.Watchdog(log)
	sleep := helpers.NotifySleep(helpers.SleepContext, notify, watchdogInterval/2)

	sc := c.SessionConfig(deviceID)
	sc.Sleep = sleep
	sc.Log = log.Named("session")
	if nc.Modem.PowerKey.Chip != "" {
		key, err := modem.OpenPowerKey(nc.Modem.PowerKey.Chip, uint32(nc.Modem.PowerKey.Line), modemLog)
		if err != nil {
			return errors.Annotate(err, "modem power key")
		}
		closers = append(closers, key.Close)
		sc.Power = key
	}
	sess := session.New(drv, vocab, sc)

	env, envClose, err := sensor.Open(c.SensorConfig())
	if err != nil {
		return errors.Annotate(err, "sensor")
	}
	closers = append(closers, envClose)
	var thermal sensor.Thermal = sensor.ThermalZone{Path: nc.Sensor.ThermalZone}
	if t, ok := env.(sensor.Thermal); ok {
		thermal = t
	}

	n := node.New(sess, env, thermal, node.Config{
		Topic:    c.Topic(deviceID),
		Interval: c.NodeInterval(),
		Sleep:    sleep,
		Notify:   notify,
		Log:      log.Named("node"),
	})
	log.Infof("node device=%s modem=%s broker=%s:%d", deviceID, vocab.Name(), sc.BrokerHost, sc.BrokerPort)
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	err = n.Run(ctx)
	log.Infof("node stop %s", n.Stat().String())
	if errors.Cause(err) == context.Canceled {
		return nil
	}
	return err
}
