// Package broker is minimal MQTT 3.1.1 ingest server: nodes connect and publish,
// every message goes to one callback. No fanout, no retain, no sessions.
package broker

import (
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/envrelay/bus/mqtt"
	"github.com/temoto/envrelay/helpers"
	"github.com/temoto/envrelay/log2"
)

const (
	DefaultNetworkTimeout = 2 * time.Minute
	defaultReadLimit      = 64 << 10
)

type Options struct {
	URL            string
	NetworkTimeout time.Duration
	// Filters empty accepts any topic, otherwise publish must match one of them.
	Filters []string
	// Authorize nil accepts every client with non-empty ClientID.
	Authorize func(*packet.Connect) bool
	OnMessage func(topic string, payload []byte)
	Log       *log2.Log
}

type Server struct {
	sync.Mutex

	alive   *alive.Alive
	ns      *transport.NetServer
	opt     Options
	log     *log2.Log
	conns   map[string]*conn
	filters *topic.Tree
	dropped uint32
}

type conn struct {
	id   string
	tc   transport.Conn
	once sync.Once
}

func (c *conn) close() {
	c.once.Do(func() { _ = c.tc.Close() })
}

func Listen(opt Options) (*Server, error) {
	if opt.OnMessage == nil {
		return nil, errors.NotValidf("code error broker.Options.OnMessage=nil")
	}
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotatef(err, "broker listen url=%s", opt.URL)
	}
	addr := u.Host
	switch u.Scheme {
	case "tcp":
	case "unix":
		addr = u.Path
	default:
		return nil, errors.NotSupportedf("broker listen url=%s scheme", opt.URL)
	}
	l, err := net.Listen(u.Scheme, addr)
	if err != nil {
		return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, addr)
	}
	s := &Server{
		alive: alive.NewAlive(),
		ns:    transport.NewNetServer(l),
		opt:   opt,
		log:   opt.Log,
		conns: make(map[string]*conn),
	}
	if len(opt.Filters) != 0 {
		s.filters = topic.NewStandardTree()
		for _, f := range opt.Filters {
			s.filters.Add(f, f)
		}
	}
	s.alive.Add(1)
	go s.acceptLoop()
	s.log.Infof("broker listen=%s", s.Addr())
	return s, nil
}

func (s *Server) Addr() string { return s.ns.Addr().String() }

func (s *Server) Clients() int {
	s.Lock()
	defer s.Unlock()
	return len(s.conns)
}

// Dropped counts publishes outside of Filters.
func (s *Server) Dropped() uint32 { return atomic.LoadUint32(&s.dropped) }

func (s *Server) Close() error {
	s.alive.Stop()
	err := s.ns.Close()
	helpers.WithLock(s, func() {
		for _, c := range s.conns {
			c.close()
		}
	})
	s.alive.Wait()
	if err != nil && isClosedConn(err) {
		err = nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.alive.Done()
	for {
		tc, err := s.ns.Accept()
		if !s.alive.IsRunning() {
			if tc != nil {
				_ = tc.Close()
			}
			return
		}
		if err != nil {
			s.log.Errorf("broker accept: %v", err)
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = tc.Close()
			return
		}
		go s.serve(tc)
	}
}

func (s *Server) serve(tc transport.Conn) {
	defer s.alive.Done()
	addr := addrString(tc.RemoteAddr())
	tc.SetReadLimit(defaultReadLimit)
	tc.SetReadTimeout(s.opt.NetworkTimeout)

	c, err := s.handshake(tc)
	if err != nil {
		s.log.Infof("broker addr=%s handshake: %v", addr, err)
		_ = tc.Close()
		return
	}
	defer s.detach(c)

	for {
		pkt, err := tc.Receive()
		if err != nil {
			if err != io.EOF && s.alive.IsRunning() && !isClosedConn(err) {
				s.log.Debugf("broker id=%s receive: %v", c.id, err)
			}
			return
		}
		if err = s.onPacket(c, pkt); err != nil {
			if err != io.EOF {
				s.log.Errorf("broker id=%s pkt=%s: %v", c.id, mqtt.PacketString(pkt), err)
			}
			return
		}
	}
}

func (s *Server) handshake(tc transport.Conn) (*conn, error) {
	pkt, err := tc.Receive()
	if err != nil {
		return nil, errors.Annotate(err, "expect CONNECT")
	}
	connect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Annotatef(broker.ErrUnexpectedPacket, "expect CONNECT got=%s", mqtt.PacketString(pkt))
	}
	connack := packet.NewConnack()
	if connect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = tc.Send(connack, false)
		return nil, errors.Annotate(broker.ErrNotAuthorized, "empty clientid")
	}
	if s.opt.Authorize != nil && !s.opt.Authorize(connect) {
		connack.ReturnCode = packet.NotAuthorized
		_ = tc.Send(connack, false)
		return nil, errors.Annotatef(broker.ErrNotAuthorized, "clientid=%s username=%s", connect.ClientID, connect.Username)
	}

	keepalive := time.Duration(connect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > s.opt.NetworkTimeout {
		keepalive = s.opt.NetworkTimeout
	}
	tc.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = tc.Send(connack, false); err != nil {
		return nil, errors.Annotate(err, "send CONNACK")
	}

	c := &conn{id: connect.ClientID, tc: tc}
	err = helpers.WithLockError(s, func() error {
		if !s.alive.IsRunning() {
			return errors.New("server is closing")
		}
		if ex, ok := s.conns[c.id]; ok {
			s.log.Infof("broker client overtake id=%s", c.id)
			ex.close()
		}
		s.conns[c.id] = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Debugf("broker CONNECT addr=%s id=%s keepalive=%d", addrString(tc.RemoteAddr()), c.id, connect.KeepAlive)
	return c, nil
}

func (s *Server) detach(c *conn) {
	c.close()
	helpers.WithLock(s, func() {
		if s.conns[c.id] == c {
			delete(s.conns, c.id)
		}
	})
}

// onPacket returns io.EOF for clean DISCONNECT.
func (s *Server) onPacket(c *conn, pkt packet.Generic) error {
	switch p := pkt.(type) {
	case *packet.Pingreq:
		return c.tc.Send(packet.NewPingresp(), false)

	case *packet.Publish:
		switch p.Message.QOS {
		case packet.QOSAtMostOnce:
			s.deliver(c, &p.Message)
			return nil
		case packet.QOSAtLeastOnce:
			s.deliver(c, &p.Message)
			puback := packet.NewPuback()
			puback.ID = p.ID
			return c.tc.Send(puback, false)
		}
		return errors.NotSupportedf("publish QOS=%d", p.Message.QOS)

	case *packet.Subscribe:
		// ingest only, refuse every filter
		suback := packet.NewSuback()
		suback.ID = p.ID
		suback.ReturnCodes = make([]packet.QOS, len(p.Subscriptions))
		for i := range suback.ReturnCodes {
			suback.ReturnCodes[i] = packet.QOSFailure
		}
		return c.tc.Send(suback, false)

	case *packet.Unsubscribe:
		unsuback := packet.NewUnsuback()
		unsuback.ID = p.ID
		return c.tc.Send(unsuback, false)

	case *packet.Disconnect:
		return io.EOF
	}
	return errors.Annotatef(broker.ErrUnexpectedPacket, "type=%s", pkt.Type().String())
}

// deliver still acks filtered out messages, node would retry them forever otherwise.
func (s *Server) deliver(c *conn, m *packet.Message) {
	if s.filters != nil && len(s.filters.Match(m.Topic)) == 0 {
		atomic.AddUint32(&s.dropped, 1)
		s.log.Debugf("broker id=%s drop %s", c.id, mqtt.MessageString(m))
		return
	}
	s.opt.OnMessage(m.Topic, m.Payload)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

// Run is Listen bound to ctx: server stops when ctx is done.
func Run(ctx context.Context, opt Options) (*Server, error) {
	s, err := Listen(opt)
	if err != nil {
		return nil, err
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-s.alive.StopChan():
		}
	}()
	return s, nil
}
