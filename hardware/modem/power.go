package modem

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
	gpio "github.com/temoto/gpio-cdev-go"
)

// SIM7080G and SIM868 HATs want PWRKEY held at least 1s to toggle power.
const DefaultPowerPulse = 1500 * time.Millisecond

// PowerKey drives modem PWRKEY pin through GPIO character device.
type PowerKey struct {
	Pulse time.Duration
	Sleep helpers.SleepFunc

	chip  gpio.Chiper
	lines gpio.Lineser
	set   gpio.LineSetFunc
	log   *log2.Log
}

func OpenPowerKey(chipPath string, line uint32, log *log2.Log) (*PowerKey, error) {
	chip, err := gpio.Open(chipPath, "envrelay")
	if err != nil {
		return nil, errors.Annotatef(err, "gpio open chip=%s", chipPath)
	}
	lines, err := chip.OpenLines(gpio.GPIOHANDLE_REQUEST_OUTPUT, "modem-pwrkey", line)
	if err != nil {
		_ = chip.Close()
		return nil, errors.Annotatef(err, "gpio chip=%s line=%d", chipPath, line)
	}
	return newPowerKey(chip, lines, lines.SetFunc(line), log), nil
}

func newPowerKey(chip gpio.Chiper, lines gpio.Lineser, set gpio.LineSetFunc, log *log2.Log) *PowerKey {
	return &PowerKey{
		Pulse: DefaultPowerPulse,
		Sleep: helpers.SleepContext,
		chip:  chip,
		lines: lines,
		set:   set,
		log:   log,
	}
}

// Toggle pulses PWRKEY high for Pulse duration.
func (self *PowerKey) Toggle(ctx context.Context) error {
	self.log.Infof("modem power key pulse=%v", self.Pulse)
	self.set(1)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotate(err, "modem power key set")
	}
	sleepErr := self.Sleep(ctx, self.Pulse)
	self.set(0)
	if err := self.lines.Flush(); err != nil {
		return errors.Annotate(err, "modem power key release")
	}
	return sleepErr
}

func (self *PowerKey) Close() error {
	var errs []error
	if self.lines != nil {
		errs = append(errs, self.lines.Close())
	}
	if self.chip != nil {
		errs = append(errs, self.chip.Close())
	}
	return helpers.FoldErrors(errs)
}
