package session

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

var testPayload = helpers.MustHex("086601901194")

func newTestSession(t testing.TB, vocab Vocabulary, h modem.MockHandler) (*Session, *modem.MockUart, *helpers.SleepRecorder) {
	d, mock := modem.NewTestDriver(t, h)
	rec := &helpers.SleepRecorder{}
	s := New(d, vocab, Config{
		ClientID:   "node1",
		BrokerHost: "broker.example",
		Sleep:      rec.Sleep,
		Log:        log2.NewTest(t, log2.LDebug),
	})
	return s, mock, rec
}

func countCommands(cmds []string, prefix string) int {
	n := 0
	for _, c := range cmds {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func csqReply(q int) modem.MockReply { return modem.MockLines(fmt.Sprintf("+CSQ: %d,99", q)) }

func TestInitBestEffort(t *testing.T) {
	t.Parallel()
	s, mock, rec := newTestSession(t, NBIoT{}, func(string) modem.MockReply { return modem.MockError })
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, Attaching, s.State())
	assert.Equal(t, []string{"AT", "AT+CFUN=1", "AT+CGATT=1", `AT+CGDCONT=1,"IP","internet"`}, mock.Commands())
	assert.Equal(t, []time.Duration{DefaultSettleDelay}, rec.Delays)
}

func TestWaitForNetwork(t *testing.T) {
	t.Parallel()
	qs := []int{0, 0, 15, 99, 7}
	i := 0
	s, mock, rec := newTestSession(t, NBIoT{}, func(cmd string) modem.MockReply {
		if cmd == "AT+CSQ" {
			q := qs[i]
			i++
			return csqReply(q)
		}
		return modem.MockOK
	})
	q, err := s.WaitForNetwork(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 15, q)
	assert.Equal(t, 15, s.Signal())
	assert.Equal(t, Attached, s.State())
	assert.Equal(t, 3, countCommands(mock.Commands(), "AT+CSQ"))
	assert.Equal(t, []time.Duration{DefaultNetworkPoll, DefaultNetworkPoll}, rec.Delays)
}

func TestWaitForNetworkCancel(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t, NBIoT{}, func(string) modem.MockReply { return csqReply(99) })
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	s.c.Sleep = func(ctx context.Context, d time.Duration) error {
		calls++
		if calls == 4 {
			cancel()
		}
		return ctx.Err()
	}
	_, err := s.WaitForNetwork(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Equal(t, 4, calls)
	assert.Equal(t, AttachedWaitingSignal, s.State())
}

func TestCheckSignalQualityLinkLost(t *testing.T) {
	t.Parallel()
	s, mock, _ := newTestSession(t, NBIoT{}, nil)
	require.NoError(t, s.Init(context.Background()))
	require.Equal(t, Attaching, s.State())
	mock.ReadErr = fmt.Errorf("input/output error")
	assert.Equal(t, 0, s.CheckSignalQuality(context.Background()))
	assert.Equal(t, Uninitialized, s.State())
}

func TestCheckSignalQualityFailure(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t, GPRS{}, func(string) modem.MockReply {
		return modem.MockReply{Text: "\r\n+CSQ: 20,0\r\n\r\nERROR\r\n"}
	})
	assert.Equal(t, 0, s.CheckSignalQuality(context.Background()))
}

func TestConnectBrokerRetry(t *testing.T) {
	t.Parallel()
	fails := 2
	s, mock, rec := newTestSession(t, NBIoT{}, func(cmd string) modem.MockReply {
		switch {
		case cmd == "AT+SMDISC":
			return modem.MockError
		case cmd == "AT+SMCONN" && fails > 0:
			fails--
			return modem.MockError
		}
		return modem.MockOK
	})
	require.NoError(t, s.ConnectBroker(context.Background()))
	assert.Equal(t, BrokerConnected, s.State())
	assert.Equal(t, []time.Duration{DefaultConnectBackoff, DefaultConnectBackoff}, rec.Delays)
	assert.Equal(t, 3, countCommands(mock.Commands(), "AT+SMCONN"))
	assert.Equal(t, []string{
		"AT+SMDISC",
		`AT+SMCONF="CLIENTID","node1"`,
		`AT+SMCONF="URL","broker.example",1883`,
		`AT+SMCONF="KEEPALIVE",60`,
		"AT+SMCONN",
	}, mock.Commands()[:5])
}

func TestConnectBrokerCancel(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestSession(t, GPRS{}, func(cmd string) modem.MockReply {
		if strings.HasPrefix(cmd, "AT+CMQTTCONNECT") {
			return modem.MockError
		}
		return modem.MockOK
	})
	ctx, cancel := context.WithCancel(context.Background())
	var delays []time.Duration
	s.c.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		if len(delays) == 3 {
			cancel()
		}
		return ctx.Err()
	}
	err := s.ConnectBroker(ctx)
	assert.Equal(t, context.Canceled, errors.Cause(err))
	assert.Len(t, delays, 3)
	assert.Equal(t, BrokerConnecting, s.State())
}

func TestPublish(t *testing.T) {
	t.Parallel()

	type Case struct {
		name         string
		vocab        Vocabulary
		failPublish  int
		expectErr    error
		expectConn   int
		expectDelays []time.Duration
	}
	cases := []Case{
		{"nbiot/first", NBIoT{}, 0, nil, 0, nil},
		{"nbiot/second", NBIoT{}, 1, nil, 1, []time.Duration{DefaultPublishDelay}},
		{"nbiot/exhausted", NBIoT{}, 3, ErrPublishExhausted, 3,
			[]time.Duration{DefaultPublishDelay, DefaultPublishDelay, DefaultPublishDelay}},
		{"gprs/first", GPRS{}, 0, nil, 0, nil},
		{"gprs/exhausted", GPRS{}, 5, ErrPublishExhausted, 3,
			[]time.Duration{DefaultPublishDelay, DefaultPublishDelay, DefaultPublishDelay}},
	}
	rand := helpers.RandUnix()
	rand.Shuffle(len(cases), func(i, j int) { cases[i], cases[j] = cases[j], cases[i] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			const topic = "temperature/node1"
			fails := c.failPublish
			s, mock, rec := newTestSession(t, c.vocab, func(cmd string) modem.MockReply {
				switch {
				case strings.HasPrefix(cmd, "AT+SMPUB="):
					if fails > 0 {
						fails--
						return modem.MockError
					}
					return modem.MockPrompt(len(testPayload), modem.MockOK)
				case strings.HasPrefix(cmd, "AT+CMQTTTOPIC="):
					return modem.MockPrompt(len(topic), modem.MockOK)
				case strings.HasPrefix(cmd, "AT+CMQTTPAYLOAD="):
					return modem.MockPrompt(len(testPayload), modem.MockOK)
				case strings.HasPrefix(cmd, "AT+CMQTTPUB="):
					if fails > 0 {
						fails--
						return modem.MockError
					}
				}
				return modem.MockOK
			})
			err := s.Publish(context.Background(), topic, testPayload)
			if c.expectErr != nil {
				require.Error(t, err)
				assert.Equal(t, c.expectErr, errors.Cause(err))
			} else {
				require.NoError(t, err)
			}
			connectPrefix := "AT+SMCONN"
			if c.vocab.Name() == VariantGPRS {
				connectPrefix = "AT+CMQTTCONNECT="
			}
			assert.Equal(t, c.expectConn, countCommands(mock.Commands(), connectPrefix))
			assert.Equal(t, c.expectDelays, rec.Delays)
		})
	}
}

func TestPublishCommands(t *testing.T) {
	t.Parallel()
	const topic = "temperature/0000abcd"

	t.Run("nbiot", func(t *testing.T) {
		t.Parallel()
		s, mock, _ := newTestSession(t, NBIoT{}, modem.MockScript{
			"AT+SMPUB=": modem.MockPrompt(len(testPayload), modem.MockOK),
		}.Handle)
		require.NoError(t, s.Publish(context.Background(), topic, testPayload))
		assert.Equal(t, []string{`AT+SMPUB="temperature/0000abcd",6,1,0`}, mock.Commands())
		assert.Equal(t, [][]byte{testPayload}, mock.Payloads())
	})
	t.Run("gprs", func(t *testing.T) {
		t.Parallel()
		s, mock, _ := newTestSession(t, GPRS{}, modem.MockScript{
			"AT+CMQTTTOPIC=":   modem.MockPrompt(len(topic), modem.MockOK),
			"AT+CMQTTPAYLOAD=": modem.MockPrompt(len(testPayload), modem.MockOK),
			"AT+CMQTTPUB=":     modem.MockOK,
		}.Handle)
		require.NoError(t, s.Publish(context.Background(), topic, testPayload))
		assert.Equal(t, []string{"AT+CMQTTTOPIC=0,20", "AT+CMQTTPAYLOAD=0,6", "AT+CMQTTPUB=0,1,60"}, mock.Commands())
		assert.Equal(t, [][]byte{[]byte(topic), testPayload}, mock.Payloads())
	})
}

func TestPublishLinkLost(t *testing.T) {
	t.Parallel()
	s, mock, _ := newTestSession(t, NBIoT{}, nil)
	mock.WriteErr = fmt.Errorf("device gone")
	err := s.Publish(context.Background(), "temperature/x", testPayload)
	assert.Equal(t, ErrSessionLost, errors.Cause(err))
	assert.Equal(t, Uninitialized, s.State())
}

type countToggler struct{ n int }

func (self *countToggler) Toggle(context.Context) error { self.n++; return nil }

func TestInitPowerKey(t *testing.T) {
	t.Parallel()
	answered := false
	s, _, rec := newTestSession(t, NBIoT{}, func(cmd string) modem.MockReply {
		if cmd == "AT" && !answered {
			answered = true
			return modem.MockSilence
		}
		return modem.MockOK
	})
	power := &countToggler{}
	s.c.Power = power
	s.c.CommandTimeout = 10 * time.Millisecond
	require.NoError(t, s.Init(context.Background()))
	assert.Equal(t, 1, power.n)
	assert.Equal(t, []time.Duration{DefaultSettleDelay, DefaultSettleDelay}, rec.Delays)
	assert.Equal(t, Attaching, s.State())
}

func TestBringUp(t *testing.T) {
	t.Parallel()
	s, mock, _ := newTestSession(t, GPRS{}, func(cmd string) modem.MockReply {
		if cmd == "AT+CSQ" {
			return csqReply(20)
		}
		return modem.MockOK
	})
	require.NoError(t, BringUp(context.Background(), s))
	assert.Equal(t, BrokerConnected, s.State())
	cmds := mock.Commands()
	assert.Equal(t, `AT+SAPBR=3,1,"APN","internet"`, cmds[4])
	assert.Equal(t, `AT+CMQTTCONNECT=0,"tcp://broker.example:1883",60,1`, cmds[len(cmds)-1])

	s.Reset()
	assert.Equal(t, Uninitialized, s.State())
	assert.Equal(t, 0, s.Signal())
}

func TestParseCSQ(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input  []string
		expect int
	}{
		{[]string{"+CSQ: 15,99"}, 15},
		{[]string{"+CSQ: 99,99"}, 99},
		{[]string{"+CSQ:7,0"}, 7},
		{[]string{"AT+CSQ", "+CSQ: 31,0"}, 31},
		{[]string{"garbage"}, 0},
		{[]string{"+CSQ: x,1"}, 0},
		{[]string{"+CSQ: -3,1"}, 0},
		{nil, 0},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, ParseCSQ(c.input), "input=%q", c.input)
	}
}

func TestVocabularyByName(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "nbiot", "SIM7080G"} {
		v, err := VocabularyByName(name)
		require.NoError(t, err)
		assert.Equal(t, VariantNBIoT, v.Name())
	}
	v, err := VocabularyByName("sim868")
	require.NoError(t, err)
	assert.Equal(t, VariantGPRS, v.Name())
	_, err = VocabularyByName("lora")
	assert.True(t, errors.IsNotValid(err))
}

func TestStateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "broker-connected", BrokerConnected.String())
	assert.Equal(t, "state(42)", State(42).String())
}
