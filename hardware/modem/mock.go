package modem

// Public API to easy create modem stubs to test your code.

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/temoto/envrelay/log2"
)

// MockReply is what MockUart makes readable after receiving a command line.
// Data>0 switches mock to raw mode: next Data written bytes are payload, then AfterData is replied.
type MockReply struct {
	Text      string
	Data      int
	AfterData string
}

var (
	MockOK      = MockReply{Text: "\r\nOK\r\n"}
	MockError   = MockReply{Text: "\r\nERROR\r\n"}
	MockSilence = MockReply{}
)

func MockLines(lines ...string) MockReply {
	return MockReply{Text: "\r\n" + strings.Join(lines, "\r\n") + "\r\n\r\nOK\r\n"}
}

func MockPrompt(n int, after MockReply) MockReply {
	return MockReply{Text: "\r\n> ", Data: n, AfterData: after.Text}
}

type MockHandler func(command string) MockReply

// MockUart is Uarter responding to AT commands via Handler, synchronous and instant.
type MockUart struct {
	Handler MockHandler
	// Echo command line back like modem with ATE1
	Echo     bool
	ReadErr  error
	WriteErr error

	mu       sync.Mutex
	in       bytes.Buffer
	line     []byte
	data     []byte
	dataLeft int
	after    string
	commands []string
	payloads [][]byte
	aborts   int
	closed   bool
}

func NewMockUart(h MockHandler) *MockUart {
	if h == nil {
		h = func(string) MockReply { return MockOK }
	}
	return &MockUart{Handler: h}
}

func (self *MockUart) Open(path string, baud int) error {
	self.mu.Lock()
	self.closed = false
	self.mu.Unlock()
	return nil
}

func (self *MockUart) Close() error {
	self.mu.Lock()
	self.closed = true
	self.mu.Unlock()
	return nil
}

func (self *MockUart) Read(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.ReadErr != nil {
		return 0, self.ReadErr
	}
	if self.in.Len() == 0 {
		return 0, nil
	}
	return self.in.Read(p)
}

func (self *MockUart) ResetRead() error {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.in.Reset()
	return nil
}

func (self *MockUart) Write(p []byte) (int, error) {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.WriteErr != nil {
		return 0, self.WriteErr
	}
	for _, b := range p {
		if b == Escape {
			// aborts data input mode, ignored otherwise
			if self.dataLeft > 0 {
				self.aborts++
				self.data, self.dataLeft, self.after = nil, 0, ""
			}
			continue
		}
		if self.dataLeft > 0 {
			self.data = append(self.data, b)
			self.dataLeft--
			if self.dataLeft == 0 {
				self.payloads = append(self.payloads, self.data)
				self.data = nil
				self.in.WriteString(self.after)
			}
			continue
		}
		if b == '\n' {
			continue
		}
		if b != '\r' {
			self.line = append(self.line, b)
			continue
		}
		command := string(self.line)
		self.line = self.line[:0]
		self.commands = append(self.commands, command)
		if self.Echo {
			self.in.WriteString(command + "\r")
		}
		// handler must not call back into mock
		self.mu.Unlock()
		reply := self.Handler(command)
		self.mu.Lock()
		self.in.WriteString(reply.Text)
		self.dataLeft = reply.Data
		self.after = reply.AfterData
	}
	return len(p), nil
}

// Inject makes bytes readable as if modem sent unsolicited output.
func (self *MockUart) Inject(s string) {
	self.mu.Lock()
	self.in.WriteString(s)
	self.mu.Unlock()
}

func (self *MockUart) Commands() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([]string(nil), self.commands...)
}

func (self *MockUart) Payloads() [][]byte {
	self.mu.Lock()
	defer self.mu.Unlock()
	return append([][]byte(nil), self.payloads...)
}

// Aborts counts data input modes cancelled by Escape.
func (self *MockUart) Aborts() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.aborts
}

func (self *MockUart) IsClosed() bool {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.closed
}

// MockScript answers by longest matching command prefix, unknown commands get ERROR.
type MockScript map[string]MockReply

func (self MockScript) Handle(command string) MockReply {
	best, found := "", false
	for prefix := range self {
		if strings.HasPrefix(command, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		return MockError
	}
	return self[best]
}

// NewTestDriver returns driver over mock with fast polling and test logger.
func NewTestDriver(t testing.TB, h MockHandler) (*Driver, *MockUart) {
	mock := NewMockUart(h)
	d, err := NewDriver(mock, Config{
		PollInterval: time.Millisecond,
		Log:          log2.NewTest(t, log2.LDebug),
	})
	if err != nil {
		t.Fatal(err)
	}
	return d, mock
}

func (self MockReply) String() string {
	return fmt.Sprintf("text=%q data=%d after=%q", self.Text, self.Data, self.AfterData)
}
