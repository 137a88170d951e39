package modem

import (
	"strings"

	"github.com/juju/errors"
)

// Uarter is byte link to the modem.
// Read never blocks: returns whatever input is buffered, (0, nil) when none.
type Uarter interface {
	Open(path string, baud int) error
	Close() error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// ResetRead discards buffered input.
	ResetRead() error
}

const (
	DriverFile   = "file"
	DriverSerial = "serial"
)

// NewUart returns driver by config name, empty means file.
func NewUart(driver string) (Uarter, error) {
	switch strings.ToLower(driver) {
	case "", DriverFile:
		return NewFileUart(), nil
	case DriverSerial, "tarm":
		return NewSerialUart(), nil
	default:
		return nil, errors.NotValidf("modem uart_driver=%s (valid: %s, %s)", driver, DriverFile, DriverSerial)
	}
}

var bauds = []int{9600, 19200, 38400, 57600, 115200}

func checkBaud(baud int) error {
	for _, b := range bauds {
		if b == baud {
			return nil
		}
	}
	return errors.NotSupportedf("baud=%d", baud)
}
