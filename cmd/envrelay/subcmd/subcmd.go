// Support sub-commands in envrelay application.
package subcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/envrelay/config"
	"github.com/temoto/envrelay/log2"
)

type Mod struct {
	Name string
	// Config is read only when true, decode works without one.
	NeedConfig bool
	Main       func(ctx context.Context, config *config.Config, log *log2.Log, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

// SdNotify returns true when running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Error("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// Watchdog returns function to call periodically and interval it must be called within.
// Function is no-op and interval zero when watchdog is not configured.
func Watchdog(log *log2.Log) (func(), time.Duration) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Errorf("sd watchdog: %v", err)
		return func() {}, 0
	}
	if interval == 0 {
		return func() {}, 0
	}
	log.Debugf("sd watchdog interval=%v", interval)
	return func() { SdNotify(log, daemon.SdNotifyWatchdog) }, interval
}
