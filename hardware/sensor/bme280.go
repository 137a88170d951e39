package sensor

import (
	"sync"

	"github.com/juju/errors"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/devices/bmxx80"
	"periph.io/x/periph/host"
)

const DefaultBME280Addr = 0x76

type BME280 struct {
	mu  sync.Mutex
	bus i2c.BusCloser
	dev *bmxx80.Dev
}

// OpenBME280 with empty bus opens first available I2C bus.
func OpenBME280(busName string, addr uint16) (*BME280, error) {
	if addr == 0 {
		addr = DefaultBME280Addr
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Annotate(err, "periph/init")
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, errors.Annotatef(err, "i2c open bus=%s", busName)
	}
	dev, err := bmxx80.NewI2C(bus, addr, &bmxx80.DefaultOpts)
	if err != nil {
		_ = bus.Close()
		return nil, errors.Annotatef(err, "bme280 bus=%s addr=%#x", busName, addr)
	}
	return &BME280{bus: bus, dev: dev}, nil
}

func (self *BME280) ReadEnvironment() (float64, float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	var env physic.Env
	if err := self.dev.Sense(&env); err != nil {
		return 0, 0, &ReadError{Source: DriverBME280, Err: err}
	}
	return celsius(env.Temperature), percentRH(env.Humidity), nil
}

func (self *BME280) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	err1 := self.dev.Halt()
	err2 := self.bus.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func celsius(t physic.Temperature) float64 {
	return float64(t-physic.ZeroCelsius) / float64(physic.Celsius)
}

func percentRH(h physic.RelativeHumidity) float64 {
	return float64(h) / float64(physic.PercentRH)
}
