package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/helpers/cli"
	"github.com/temoto/envrelay/internal/session"
	"github.com/temoto/envrelay/log2"
)

const usage = `syntax: one command per line
(main)
- AT...    send AT command, show response
- !XX...   write raw bytes from hex XX... (payload after > prompt), show response
- csq      query signal quality
- power    pulse modem power key (requires -power-chip)
- sN       pause N milliseconds

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- help
`

var log = log2.NewStderr(log2.LDebug)

type console struct {
	drv     *modem.Driver
	log     *log2.Log
	power   session.PowerToggler
	timeout time.Duration
	sleep   helpers.SleepFunc
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	devicePath := cmdline.String("device", "/dev/ttyS0", "")
	baud := cmdline.Int("baud", 9600, "")
	uarterName := cmdline.String("io", "file", "file|serial")
	timeout := cmdline.Duration("timeout", 3*time.Second, "AT command timeout")
	powerChip := cmdline.String("power-chip", "", "gpio chip of modem PWRKEY, e.g. /dev/gpiochip0")
	powerLine := cmdline.Uint("power-line", 4, "gpio line of modem PWRKEY")
	_ = cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	uart, err := modem.NewUart(*uarterName)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	drvLog := log.Named("modem")
	drv, err := modem.NewDriver(uart, modem.Config{Path: *devicePath, Baud: *baud, Log: drvLog})
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	defer drv.Close()

	c := &console{drv: drv, log: drvLog, timeout: *timeout, sleep: helpers.SleepContext}
	if *powerChip != "" {
		key, err := modem.OpenPowerKey(*powerChip, uint32(*powerLine), drvLog)
		if err != nil {
			log.Fatal(errors.ErrorStack(err))
		}
		defer key.Close()
		c.power = key
	}

	ctx := context.Background()
	cli.MainLoop("envrelay-modem-cli", func(line string) {
		if err := c.exec(ctx, line); err != nil {
			log.Error(errors.ErrorStack(err))
		}
	}, newCompleter())
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "AT", Description: "modem alive check"},
		{Text: "AT+CSQ", Description: "signal quality"},
		{Text: "AT+CGATT?", Description: "packet domain attach status"},
		{Text: "AT+CPIN?", Description: "SIM status"},
		{Text: "csq", Description: "parsed signal quality"},
		{Text: "power", Description: "pulse PWRKEY"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "!XX", Description: "write raw bytes"},
		{Text: "log=yes", Description: "debug logging"},
		{Text: "log=no", Description: "quiet logging"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return cli.Suggest(d, suggests)
	}
}

func (self *console) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	lower := strings.ToLower(line)
	switch {
	case line == "":
		return nil

	case lower == "help":
		self.log.Info(usage)
		return nil

	case lower == "log=yes":
		self.log.SetLevel(log2.LDebug)
		return nil

	case lower == "log=no":
		self.log.SetLevel(log2.LInfo)
		return nil

	case lower == "csq":
		r, err := self.drv.Tx(ctx, "AT+CSQ", self.timeout)
		if err != nil {
			return err
		}
		q := session.ParseCSQ(r.Lines())
		self.log.Infof("signal=%d valid=%t", q, session.ValidSignal(q))
		return r.Err()

	case lower == "power":
		if self.power == nil {
			return errors.NotSupportedf("power key not configured, use -power-chip")
		}
		return self.power.Toggle(ctx)

	case strings.HasPrefix(line, "!"):
		b, err := helpers.ParseHexLoose(line[1:])
		if err != nil {
			return errors.Annotatef(err, "raw hex=%s", line[1:])
		}
		return self.show(self.drv.TxRaw(ctx, b, self.timeout))

	case lower[0] == 's' && len(lower) > 1 && isDigits(lower[1:]):
		ms, err := strconv.ParseUint(lower[1:], 10, 32)
		if err != nil {
			return errors.Annotatef(err, "sleep=%s", line)
		}
		return self.sleep(ctx, time.Duration(ms)*time.Millisecond)

	case strings.HasPrefix(lower, "at"):
		return self.show(self.drv.Tx(ctx, line, self.timeout))
	}
	return errors.NotValidf("command=%s, see help", line)
}

func (self *console) show(r modem.Response, err error) error {
	if err != nil {
		return err
	}
	self.log.Infof("< %s", r.String())
	return nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
