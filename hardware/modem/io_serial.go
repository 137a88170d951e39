package modem

import (
	"io"
	"time"

	"github.com/juju/errors"
	"github.com/tarm/serial"
)

// serialUart wraps tarm/serial port, for platforms or adapters where termios tweaks misbehave.
type serialUart struct {
	port *serial.Port
	path string
}

func NewSerialUart() *serialUart { return &serialUart{} }

func (self *serialUart) Open(path string, baud int) error {
	if err := checkBaud(baud); err != nil {
		return err
	}
	if self.port != nil {
		_ = self.Close()
	}
	port, err := serial.OpenPort(&serial.Config{
		Name: path,
		Baud: baud,
		// shortest non-zero timeout is 100ms on posix
		ReadTimeout: time.Millisecond,
	})
	if err != nil {
		return errors.Annotatef(err, "serial open path=%s", path)
	}
	self.port, self.path = port, path
	return nil
}

func (self *serialUart) Close() error {
	if self.port == nil {
		return nil
	}
	err := self.port.Close()
	self.port = nil
	return err
}

func (self *serialUart) Read(p []byte) (int, error) {
	n, err := self.port.Read(p)
	if err == io.EOF {
		return n, nil
	}
	return n, errors.Annotatef(err, "serial read path=%s", self.path)
}

func (self *serialUart) Write(p []byte) (int, error) {
	n, err := self.port.Write(p)
	return n, errors.Annotatef(err, "serial write path=%s", self.path)
}

func (self *serialUart) ResetRead() error { return self.port.Flush() }
