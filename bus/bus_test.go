package bus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		topic  string
		expect string
	}{
		{"temperature/0000abcd", "0000abcd"},
		{"site/2/temperature/node-7", "node-7"},
		{"bare", "bare"},
		{"temperature/", ""},
	}
	for _, c := range cases {
		c := c
		t.Run(c.topic, func(t *testing.T) {
			assert.Equal(t, c.expect, DeviceID(c.topic))
		})
	}
}

func TestSubscribeConfigError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, err := Subscribe(ctx, Config{Driver: "carrier-pigeon"}, func(string, []byte) {})
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(err))
	_, err = Subscribe(ctx, Config{}, nil)
	assert.True(t, errors.IsNotValid(err))
}

func TestSubscribeGomqtt(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:")
	require.NoError(t, err)
	defer ln.Close()
	payload := []byte{0x00, 0x39, 0x00, 0x07, 0x00, 0x1d}

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		b := transport.NewNetConn(conn)
		defer b.Close()
		if _, err := b.Receive(); err != nil {
			return
		}
		connack := packet.NewConnack()
		_ = b.Send(connack, false)
		pkt, err := b.Receive()
		if err != nil {
			return
		}
		sub, ok := pkt.(*packet.Subscribe)
		if !ok {
			return
		}
		suback := packet.NewSuback()
		suback.ID = sub.ID
		suback.ReturnCodes = []packet.QOS{packet.QOSAtMostOnce}
		_ = b.Send(suback, false)
		pub := packet.NewPublish()
		pub.Message = packet.Message{Topic: "temperature/node1", Payload: payload}
		_ = b.Send(pub, false)
		_, _ = b.Receive()
	}()

	type msg struct {
		topic   string
		payload []byte
	}
	ch := make(chan msg, 1)
	s, err := Subscribe(context.Background(), Config{
		BrokerURL: "tcp://" + ln.Addr().String(),
	}, func(topic string, p []byte) { ch <- msg{topic, p} })
	require.NoError(t, err)
	defer s.Close()
	select {
	case m := <-ch:
		assert.Equal(t, "temperature/node1", m.topic)
		assert.Equal(t, payload, m.payload)
	case <-time.After(5 * time.Second):
		t.Fatal("message timeout")
	}
}

func TestSubscribePahoUnreachable(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := Subscribe(ctx, Config{
		Driver:         DriverPaho,
		BrokerURL:      "tcp://127.0.0.1:1",
		ReconnectDelay: 10 * time.Millisecond,
	}, func(string, []byte) {})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close timeout")
	}
}

func TestSubscribeEmbedded(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan string, 2)
	s, err := Subscribe(ctx, Config{
		Driver:    DriverEmbedded,
		BrokerURL: "tcp://127.0.0.1:0",
	}, func(topic string, p []byte) { ch <- DeviceID(topic) + " " + string(p) })
	require.NoError(t, err)
	defer s.Close()
	addr := s.(interface{ Addr() string }).Addr()

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	b := transport.NewNetConn(conn)
	defer b.Close()
	connect := packet.NewConnect()
	connect.ClientID = "node9"
	require.NoError(t, b.Send(connect, false))
	_, err = b.Receive()
	require.NoError(t, err)
	for _, topic := range []string{"pressure/node9", "temperature/node9"} {
		pub := packet.NewPublish()
		pub.Message = packet.Message{Topic: topic, Payload: []byte("x")}
		require.NoError(t, b.Send(pub, false))
	}
	select {
	case m := <-ch:
		assert.Equal(t, "node9 x", m, "only default topic filter passes")
	case <-time.After(5 * time.Second):
		t.Fatal("message timeout")
	}
}
