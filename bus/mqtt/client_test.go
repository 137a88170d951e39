package mqtt

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envrelay/log2"
)

// serverHandshake accepts CONNECT and SUBSCRIBE.
func serverHandshake(t testing.TB, b *transport.NetConn) bool {
	pkt, err := b.Receive()
	if !assert.NoError(t, err) {
		return false
	}
	connect, ok := pkt.(*packet.Connect)
	if !assert.True(t, ok, "expected CONNECT got=%s", PacketString(pkt)) {
		return false
	}
	assert.Equal(t, "relay-test", connect.ClientID)
	assert.True(t, connect.CleanSession)
	connack := packet.NewConnack()
	connack.ReturnCode = packet.ConnectionAccepted
	if !assert.NoError(t, b.Send(connack, false)) {
		return false
	}

	pkt, err = b.Receive()
	if !assert.NoError(t, err) {
		return false
	}
	sub, ok := pkt.(*packet.Subscribe)
	if !assert.True(t, ok, "expected SUBSCRIBE got=%s", PacketString(pkt)) {
		return false
	}
	assert.Equal(t, "temperature/#", sub.Subscriptions[0].Topic)
	suback := packet.NewSuback()
	suback.ID = sub.ID
	suback.ReturnCodes = []packet.QOS{packet.QOSAtLeastOnce}
	return assert.NoError(t, b.Send(suback, false))
}

func TestClient(t *testing.T) {
	t.Parallel()
	const timeout = 5 * time.Second

	type tenv struct {
		addr     string
		alive    *alive.Alive
		opts     ClientOptions
		messages chan *packet.Message
		accepted int
	}
	cases := []struct {
		name   string
		client func(t testing.TB, env *tenv)
		server func(t testing.TB, env *tenv, b *transport.NetConn)
	}{
		{"subscribe-receive-ack", func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			require.NoError(t, mc.WaitReady(ctx))
			select {
			case m := <-env.messages:
				assert.Equal(t, "temperature/0000abcd", m.Topic)
				assert.Equal(t, []byte{0x08, 0x66, 0x01, 0x90, 0x11, 0x94}, m.Payload)
			case <-time.After(timeout):
				t.Fatal("message timeout")
			}
			assert.Equal(t, 1, mc.Connects())
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			if !serverHandshake(t, b) {
				return
			}
			pub := packet.NewPublish()
			pub.ID = 7
			pub.Message = packet.Message{
				Topic:   "temperature/0000abcd",
				Payload: []byte{0x08, 0x66, 0x01, 0x90, 0x11, 0x94},
				QOS:     packet.QOSAtLeastOnce,
			}
			require.NoError(t, b.Send(pub, false))
			pkt, err := b.Receive()
			require.NoError(t, err)
			puback, ok := pkt.(*packet.Puback)
			require.True(t, ok, "expected PUBACK got=%s", PacketString(pkt))
			assert.Equal(t, packet.ID(7), puback.ID)
		}},

		{"reconnect", func(t testing.TB, env *tenv) {
			mc, err := NewClient(env.opts)
			require.NoError(t, err)
			defer mc.Close()
			require.Eventually(t, func() bool { return mc.Connects() >= 2 }, timeout, 10*time.Millisecond)
		}, func(t testing.TB, env *tenv, b *transport.NetConn) {
			defer env.alive.Done()
			env.accepted++
			if !serverHandshake(t, b) {
				return
			}
			if env.accepted == 1 {
				_ = b.Close()
			}
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			env := &tenv{
				alive:    alive.NewAlive(),
				messages: make(chan *packet.Message, 1),
			}
			ln, err := net.Listen("tcp", "127.0.0.1:")
			require.NoError(t, err)
			env.addr = ln.Addr().String()
			env.opts.BrokerURL = fmt.Sprintf("tcp://%s", env.addr)
			env.opts.ClientID = "relay-test"
			env.opts.ReconnectDelay = 10 * time.Millisecond
			env.opts.Subscriptions = []packet.Subscription{{Topic: "temperature/#", QOS: packet.QOSAtLeastOnce}}
			env.opts.OnMessage = func(m *packet.Message) error {
				env.messages <- m
				return nil
			}
			env.opts.Log = log2.NewTest(t, log2.LDebug)
			env.opts.NetworkTimeout = timeout
			go func() {
				for {
					conn, err := ln.Accept()
					if err != nil {
						return
					}
					if !env.alive.Add(1) {
						_ = conn.Close()
						return
					}
					_ = conn.SetDeadline(time.Now().Add(timeout))
					c.server(t, env, transport.NewNetConn(conn))
				}
			}()
			c.client(t, env)
			env.alive.Stop()
			_ = ln.Close()
			env.alive.Wait()
		})
	}
}

func TestNewClientConfigError(t *testing.T) {
	t.Parallel()
	_, err := NewClient(ClientOptions{BrokerURL: "tcp://localhost:1883"})
	assert.Error(t, err)
	_, err = NewClient(ClientOptions{BrokerURL: "::bad", OnMessage: func(*packet.Message) error { return nil }})
	assert.Error(t, err)
}

func TestPacketString(t *testing.T) {
	t.Parallel()
	pub := packet.NewPublish()
	pub.ID = 3
	pub.Message = packet.Message{Topic: "temperature/x", Payload: []byte{0xab}, QOS: packet.QOSAtLeastOnce}
	assert.Equal(t, `<Publish ID=3 Dup=false Topic="temperature/x" QOS=1 Retain=false Payload=ab>`, PacketString(pub))
	assert.Equal(t, "(nil)", PacketString(nil))
}
