// Package modem speaks the Hayes AT command dialect of SIMCom cellular modems over UART.
//
// One command is in flight at a time. Tx sends a line terminated by CRLF and polls
// the link until a final result code or the deadline. Transport outcomes (failure,
// timeout) are values, the error return is reserved for link I/O errors.
package modem

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBaud         = 115200

	// Escape cancels `>` data input mode without sending.
	Escape byte = 0x1b
)

type Outcome uint8

const (
	Timeout Outcome = iota
	Success
	Failure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "ok"
	case Failure:
		return "error"
	case Timeout:
		return "timeout"
	}
	return fmt.Sprintf("outcome(%d)", o)
}

type Response struct {
	Command string
	Outcome Outcome
	Raw     []byte
	Elapsed time.Duration
}

func (self Response) OK() bool { return self.Outcome == Success }

// Lines returns non-empty response lines without command echo and final result code.
func (self Response) Lines() []string {
	ss := make([]string, 0, 4)
	for _, l := range bytes.Split(self.Raw, []byte{'\n'}) {
		l = bytes.TrimSpace(l)
		if len(l) == 0 || string(l) == self.Command || isFinal(l) != Timeout {
			continue
		}
		ss = append(ss, string(l))
	}
	return ss
}

// Err converts Failure and Timeout outcomes to errors, nil on Success.
func (self Response) Err() error {
	switch self.Outcome {
	case Success:
		return nil
	case Failure:
		return FailureError{Command: self.Command, Raw: self.Raw}
	}
	return errors.Timeoutf("modem command=%s after=%v", self.Command, self.Elapsed)
}

func (self Response) String() string {
	return fmt.Sprintf("command=%s outcome=%s response=%q", self.Command, self.Outcome, bytes.TrimSpace(self.Raw))
}

type FailureError struct {
	Command string
	Raw     []byte
}

func (self FailureError) Error() string {
	return fmt.Sprintf("modem command=%s failed response=%q", self.Command, bytes.TrimSpace(self.Raw))
}

func IsFailure(e error) bool {
	_, ok := errors.Cause(e).(FailureError)
	return ok
}

type Config struct {
	Path         string
	Baud         int
	PollInterval time.Duration
	Log          *log2.Log
	// Sleep defaults to helpers.SleepContext
	Sleep helpers.SleepFunc
}

type Driver struct {
	mu    sync.Mutex
	uart  Uarter
	log   *log2.Log
	poll  time.Duration
	sleep helpers.SleepFunc
	buf   [512]byte
}

// NewDriver opens uart with config. Path empty means uart is already open (mock).
func NewDriver(uart Uarter, c Config) (*Driver, error) {
	if c.Baud == 0 {
		c.Baud = DefaultBaud
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Sleep == nil {
		c.Sleep = helpers.SleepContext
	}
	if c.Path != "" {
		if err := uart.Open(c.Path, c.Baud); err != nil {
			return nil, errors.Annotatef(err, "modem open path=%s baud=%d", c.Path, c.Baud)
		}
	}
	self := &Driver{
		uart:  uart,
		log:   c.Log,
		poll:  c.PollInterval,
		sleep: c.Sleep,
	}
	return self, nil
}

func (self *Driver) Close() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.uart.Close()
}

// Tx sends command and waits for OK or ERROR until timeout.
func (self *Driver) Tx(ctx context.Context, command string, timeout time.Duration) (Response, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.discard(); err != nil {
		return Response{Command: command}, err
	}
	self.log.Debugf("modem tx %s timeout=%v", command, timeout)
	if err := helpers.WriteAll(self.uart, []byte(command+"\r\n")); err != nil {
		return Response{Command: command}, errors.Annotatef(err, "modem write command=%s", command)
	}
	r, err := self.await(ctx, command, timeout, false)
	self.log.Debugf("modem rx %s", r.String())
	return r, err
}

// TxData sends prime command, waits for `>` prompt, writes payload verbatim
// and waits for final result of the whole command.
// Prompt missing within timeout returns Response with Failure/Timeout outcome and payload is not sent,
// on Timeout Escape is written to leave input mode in case modem prompts late.
func (self *Driver) TxData(ctx context.Context, prime string, payload []byte, timeout time.Duration) (Response, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	if err := self.discard(); err != nil {
		return Response{Command: prime}, err
	}
	self.log.Debugf("modem tx %s payload=%x timeout=%v", prime, payload, timeout)
	if err := helpers.WriteAll(self.uart, []byte(prime+"\r\n")); err != nil {
		return Response{Command: prime}, errors.Annotatef(err, "modem write command=%s", prime)
	}
	r, err := self.await(ctx, prime, timeout, true)
	if err != nil || r.Outcome != Success {
		self.log.Debugf("modem rx prompt %s", r.String())
		if err == nil && r.Outcome == Timeout {
			// late prompt would take next command line as payload
			if err = helpers.WriteAll(self.uart, []byte{Escape}); err != nil {
				err = errors.Annotatef(err, "modem write escape command=%s", prime)
			}
		}
		return r, err
	}
	if err = helpers.WriteAll(self.uart, payload); err != nil {
		return r, errors.Annotatef(err, "modem write payload command=%s", prime)
	}
	final, err := self.await(ctx, prime, timeout, false)
	final.Raw = append(r.Raw, final.Raw...)
	final.Elapsed += r.Elapsed
	self.log.Debugf("modem rx %s", final.String())
	return final, err
}

// TxRaw writes bytes verbatim, without terminator and without discarding pending input,
// then waits for final result. For consoles feeding payload after `>` prompt by hand.
func (self *Driver) TxRaw(ctx context.Context, b []byte, timeout time.Duration) (Response, error) {
	self.mu.Lock()
	defer self.mu.Unlock()

	command := fmt.Sprintf("raw:%x", b)
	self.log.Debugf("modem tx %s timeout=%v", command, timeout)
	if err := helpers.WriteAll(self.uart, b); err != nil {
		return Response{Command: command}, errors.Annotatef(err, "modem write %s", command)
	}
	r, err := self.await(ctx, command, timeout, false)
	self.log.Debugf("modem rx %s", r.String())
	return r, err
}

// await polls input until final result code (or prompt when wantPrompt), deadline or ctx done.
func (self *Driver) await(ctx context.Context, command string, timeout time.Duration, wantPrompt bool) (Response, error) {
	r := Response{Command: command, Outcome: Timeout}
	begin := time.Now()
	deadline := begin.Add(timeout)
	acc := make([]byte, 0, 64)
	for {
		n, err := self.uart.Read(self.buf[:])
		if err != nil {
			r.Raw = acc
			r.Elapsed = time.Since(begin)
			return r, errors.Annotatef(err, "modem read command=%s", command)
		}
		acc = append(acc, self.buf[:n]...)
		if n == len(self.buf) {
			continue
		}
		if o := scan(acc, wantPrompt); o != Timeout {
			r.Outcome = o
			break
		}
		if !time.Now().Before(deadline) {
			break
		}
		if err = self.sleep(ctx, self.poll); err != nil {
			break
		}
	}
	r.Raw = acc
	r.Elapsed = time.Since(begin)
	return r, nil
}

// discard stale input, e.g. late answer to previous timed out command or URC.
func (self *Driver) discard() error {
	if err := self.uart.ResetRead(); err != nil {
		return errors.Annotate(err, "modem reset input")
	}
	for {
		n, err := self.uart.Read(self.buf[:])
		if err != nil {
			return errors.Annotate(err, "modem discard input")
		}
		if n > 0 {
			self.log.Debugf("modem discard stale=%q", self.buf[:n])
		}
		if n < len(self.buf) {
			return nil
		}
	}
}

var (
	resultOK       = []byte("OK")
	resultError    = []byte("ERROR")
	resultCMEError = []byte("+CME ERROR")
	resultCMSError = []byte("+CMS ERROR")
	prompt         = []byte(">")
)

// scan complete lines for final result codes.
func scan(b []byte, wantPrompt bool) Outcome {
	for len(b) > 0 {
		i := bytes.IndexByte(b, '\n')
		var line []byte
		if i < 0 {
			line, b = b, nil
			if wantPrompt && bytes.HasPrefix(bytes.TrimSpace(line), prompt) {
				return Success
			}
			return Timeout
		}
		line, b = b[:i], b[i+1:]
		line = bytes.TrimSpace(line)
		if o := isFinal(line); o != Timeout {
			if wantPrompt && o == Success {
				// OK before prompt is unexpected but not an error, keep waiting for prompt
				continue
			}
			return o
		}
		if wantPrompt && bytes.HasPrefix(line, prompt) {
			return Success
		}
	}
	return Timeout
}

func isFinal(line []byte) Outcome {
	switch {
	case bytes.Equal(line, resultOK):
		return Success
	case bytes.Equal(line, resultError),
		bytes.HasPrefix(line, resultCMEError),
		bytes.HasPrefix(line, resultCMSError):
		return Failure
	}
	return Timeout
}
