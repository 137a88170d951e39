// Package decode is `envrelay decode` sub-command: show telemetry frames from hex,
// e.g. copied from `mosquitto_sub -F '%t %x'`.
package decode

import (
	"context"
	"strings"

	"github.com/c-bata/go-prompt"
	"github.com/temoto/envrelay/cmd/envrelay/subcmd"
	"github.com/temoto/envrelay/config"
	"github.com/temoto/envrelay/frame"
	"github.com/temoto/envrelay/helpers/cli"
	"github.com/temoto/envrelay/log2"
)

const modName = "decode"

var Mod = subcmd.Mod{Name: modName, Main: Main}

// Main decodes args, or lines from stdin/prompt when no args given.
func Main(ctx context.Context, _ *config.Config, log *log2.Log, args []string) error {
	exec := newExecutor(log)
	if len(args) != 0 {
		for _, arg := range args {
			exec(arg)
		}
		return nil
	}
	cli.MainLoop(modName, exec, func(d prompt.Document) []prompt.Suggest { return nil })
	return nil
}

func newExecutor(log *log2.Log) func(string) {
	return func(line string) {
		s, err := Line(line)
		if err != nil {
			log.Errorf("%v", err)
			return
		}
		log.Info(s)
	}
}

// Line accepts "<hex>" or "<topic> <hex>".
func Line(line string) (string, error) {
	line = strings.TrimSpace(line)
	topic := ""
	if i := strings.IndexByte(line, ' '); i > 0 && strings.Contains(line[:i], "/") {
		topic, line = line[:i], strings.TrimSpace(line[i+1:])
	}
	// mosquitto_sub may strip leading zero in hex format
	if len(strings.Replace(line, " ", "", -1))%2 == 1 {
		line = "0" + line
	}
	f, err := frame.FromHex(line)
	if err != nil {
		return "", err
	}
	if topic != "" {
		return topic + " " + f.String(), nil
	}
	return f.String(), nil
}
