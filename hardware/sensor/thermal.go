package sensor

import (
	"io/ioutil"
	"strconv"
	"strings"
)

const DefaultThermalZone = "/sys/class/thermal/thermal_zone0/temp"

// ThermalZone reads kernel thermal zone file, millidegrees Celsius.
type ThermalZone struct {
	Path string
}

func (self ThermalZone) ReadInternalTemperature() (float64, error) {
	path := self.Path
	if path == "" {
		path = DefaultThermalZone
	}
	b, err := ioutil.ReadFile(path)
	if err != nil {
		return 0, &ReadError{Source: path, Err: err}
	}
	milli, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 32)
	if err != nil {
		return 0, &ReadError{Source: path, Err: err}
	}
	return float64(milli) / 1000, nil
}
