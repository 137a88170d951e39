package modem

import (
	"time"

	"github.com/juju/errors"
	"golang.org/x/sys/unix"
)

const writeStall = 2 * time.Second

// fileUart is raw 8N1 tty driven by termios ioctls, non-blocking reads.
type fileUart struct {
	fd   int
	path string
}

func NewFileUart() *fileUart { return &fileUart{fd: -1} }

func (self *fileUart) Open(path string, baud int) error {
	if self.fd >= 0 {
		_ = self.Close()
	}
	speed, err := termiosSpeed(baud)
	if err != nil {
		return err
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0600)
	if err != nil {
		return errors.Annotatef(err, "open path=%s", path)
	}
	if err = ioResetTermios(fd, speed); err != nil {
		_ = unix.Close(fd)
		return errors.Annotatef(err, "termios path=%s", path)
	}
	self.fd, self.path = fd, path
	return nil
}

func (self *fileUart) Close() error {
	if self.fd < 0 {
		return nil
	}
	err := unix.Close(self.fd)
	self.fd = -1
	return err
}

func (self *fileUart) Read(p []byte) (int, error) {
	n, err := unix.Read(self.fd, p)
	switch err {
	case nil:
		return n, nil
	case unix.EAGAIN, unix.EINTR:
		return 0, nil
	}
	return 0, errors.Annotatef(err, "read path=%s", self.path)
}

// Write blocks until p is written, tx buffer full is waited out with poll.
func (self *fileUart) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(self.fd, p[total:])
		if n > 0 {
			total += n
		}
		switch err {
		case nil:
			if n > 0 {
				continue
			}
		case unix.EAGAIN, unix.EINTR:
		default:
			return total, errors.Annotatef(err, "write path=%s", self.path)
		}
		if err = self.waitWritable(); err != nil {
			return total, err
		}
	}
	return total, nil
}

func (self *fileUart) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(self.fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(fds, int(writeStall/time.Millisecond))
	switch {
	case err == unix.EINTR:
		return nil
	case err != nil:
		return errors.Annotatef(err, "poll path=%s", self.path)
	case n == 0:
		return errors.Timeoutf("write path=%s stalled for %v", self.path, writeStall)
	}
	return nil
}

func (self *fileUart) ResetRead() error {
	return unix.IoctlSetInt(self.fd, unix.TCFLSH, unix.TCIFLUSH)
}

func termiosSpeed(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	}
	return 0, checkBaud(baud)
}

func ioResetTermios(fd int, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CBAUD
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	// flush input and output
	return unix.IoctlSetTermios(fd, unix.TCSETSF, t)
}
