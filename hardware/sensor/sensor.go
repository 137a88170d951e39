// Package sensor reads ambient and node internal temperature.
package sensor

import (
	"fmt"
	"strings"
	"sync"

	"github.com/juju/errors"
)

// Environment is ambient climate sensor.
type Environment interface {
	ReadEnvironment() (temperature, humidity float64, err error)
}

// Thermal is node internal (CPU/SoC) temperature source.
type Thermal interface {
	ReadInternalTemperature() (float64, error)
}

type ReadError struct {
	Source string
	Err    error
}

func (self *ReadError) Error() string { return fmt.Sprintf("sensor %s read: %v", self.Source, self.Err) }
func (self *ReadError) Cause() error  { return self.Err }

func IsReadError(e error) bool {
	_, ok := e.(*ReadError)
	return ok
}

const (
	DriverBME280 = "bme280"
	DriverMock   = "mock"
)

type Config struct {
	Driver      string
	I2CBus      string
	I2CAddr     uint16
	ThermalZone string
}

// Open returns environment sensor by config, Close releases hardware.
func Open(c Config) (Environment, func() error, error) {
	switch strings.ToLower(c.Driver) {
	case "", DriverBME280:
		dev, err := OpenBME280(c.I2CBus, c.I2CAddr)
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Close, nil
	case DriverMock:
		return &Mock{Temperature: 21.5, Humidity: 40}, func() error { return nil }, nil
	}
	return nil, nil, errors.NotValidf("sensor driver=%s (valid: %s, %s)", c.Driver, DriverBME280, DriverMock)
}

// Mock returns configured values or Err.
type Mock struct {
	mu             sync.Mutex
	Temperature    float64
	Humidity       float64
	CPUTemperature float64
	Err            error
	ThermalErr     error
	reads          int
}

func (self *Mock) Set(temperature, humidity float64, err error) {
	self.mu.Lock()
	self.Temperature, self.Humidity, self.Err = temperature, humidity, err
	self.mu.Unlock()
}

func (self *Mock) ReadEnvironment() (float64, float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.reads++
	if self.Err != nil {
		return 0, 0, &ReadError{Source: "mock", Err: self.Err}
	}
	return self.Temperature, self.Humidity, nil
}

func (self *Mock) ReadInternalTemperature() (float64, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.ThermalErr != nil {
		return 0, &ReadError{Source: "mock thermal", Err: self.ThermalErr}
	}
	return self.CPUTemperature, nil
}

func (self *Mock) Reads() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.reads
}
