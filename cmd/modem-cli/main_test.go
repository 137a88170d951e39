package main

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/envrelay/hardware/modem"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

type countToggler struct{ n int }

func (self *countToggler) Toggle(context.Context) error { self.n++; return nil }

func TestExec(t *testing.T) {
	t.Parallel()
	type Case struct {
		name  string
		lines []string
		check func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error)
	}
	cases := []Case{
		{"at", []string{"AT+CGATT?"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.NoError(t, err)
			assert.Equal(t, []string{"AT+CGATT?"}, mock.Commands())
		}},
		{"csq", []string{"csq"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.NoError(t, err)
			assert.Equal(t, []string{"AT+CSQ"}, mock.Commands())
		}},
		{"raw", []string{"AT+CMQTTPAYLOAD=0,2", "!ab cd"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.NoError(t, err)
			assert.Equal(t, [][]byte{{0xab, 0xcd}}, mock.Payloads())
		}},
		{"raw-bad-hex", []string{"!xyz"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.Error(t, err)
			assert.Len(t, mock.Commands(), 0)
		}},
		{"sleep", []string{"s250"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.NoError(t, err)
			assert.Equal(t, 250*time.Millisecond, rec.Total())
		}},
		{"power-missing", []string{"power"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			assert.True(t, errors.IsNotSupported(err))
		}},
		{"log", []string{"log=no"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			require.NoError(t, err)
			assert.False(t, c.log.Enabled(log2.LDebug))
		}},
		{"unknown", []string{"vend 3"}, func(t testing.TB, c *console, mock *modem.MockUart, rec *helpers.SleepRecorder, err error) {
			assert.True(t, errors.IsNotValid(err))
		}},
	}
	helpers.RandUnix().Shuffle(len(cases), func(a, b int) { cases[a], cases[b] = cases[b], cases[a] })
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			drv, mock := modem.NewTestDriver(t, modem.MockScript{
				"AT+CGATT?":        modem.MockLines("+CGATT: 1"),
				"AT+CSQ":           modem.MockLines("+CSQ: 18,99"),
				"AT+CMQTTPAYLOAD=": modem.MockPrompt(2, modem.MockOK),
			}.Handle)
			con := &console{drv: drv, log: log2.NewTest(t, log2.LDebug), timeout: 20 * time.Millisecond}
			rec := &helpers.SleepRecorder{}
			con.sleep = rec.Sleep
			var err error
			for _, line := range c.lines {
				err = con.exec(context.Background(), line)
			}
			c.check(t, con, mock, rec, err)
		})
	}
}

func TestExecPower(t *testing.T) {
	t.Parallel()
	drv, _ := modem.NewTestDriver(t, nil)
	key := &countToggler{}
	con := &console{drv: drv, log: log2.NewTest(t, log2.LDebug), power: key, sleep: (&helpers.SleepRecorder{}).Sleep}
	require.NoError(t, con.exec(context.Background(), "power"))
	assert.Equal(t, 1, key.n)
}
