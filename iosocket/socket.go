// Package iosocket is the concrete bootstrap.Socket implementation backed
// by the standard library's net package: TCP/Unix dialing for clients, and
// TCP/Unix listeners for servers.
//
// Grounded in bassosimone-nop's Dialer abstraction (connect.go) for the
// connect-completion shape, adapted here from a blocking, context-based
// call into the asynchronous, callback-based shape bootstrap.Socket
// requires, and in its observeconn.go/connect.go use of
// github.com/bassosimone/safeconn for nil-safe address formatting.
package iosocket

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/bassosimone/safeconn"
	"github.com/rs/zerolog"

	"github.com/channelio/channelio/bootstrap"
	"github.com/channelio/channelio/channel"
)

// Dialer abstracts *net.Dialer, mirroring bassosimone-nop's Dialer
// interface so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Socket adapts a net.Conn / net.Listener pair to bootstrap.Socket.
type Socket struct {
	logger *zerolog.Logger
	dialer Dialer
	opts   bootstrap.SocketOptions

	conn net.Conn
	ln   net.Listener

	loop channel.EventLoop

	closed   atomic.Bool
	accepted atomic.Bool
}

func network(opts bootstrap.SocketOptions) string {
	switch opts.Domain {
	case bootstrap.DomainLocal:
		return "unix"
	default:
		if opts.Kind == bootstrap.KindDatagram {
			return "udp"
		}
		return "tcp"
	}
}

// Connect implements bootstrap.Socket. The dial runs on its own goroutine
// (net.Dialer.DialContext blocks); completion is marshaled back onto loop
// before onConnected runs, preserving the channel package's thread-affinity
// contract.
func (s *Socket) Connect(addr bootstrap.Address, port int, loop channel.EventLoop, onConnected func(err error)) {
	s.loop = loop
	target := addr.Host
	if s.opts.Domain != bootstrap.DomainLocal {
		target = net.JoinHostPort(addr.Host, fmt.Sprintf("%d", port))
	}

	ctx := context.Background()
	if s.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.ConnectTimeout)
		go func() { <-ctx.Done(); cancel() }()
	}

	go func() {
		conn, err := s.dialer.DialContext(ctx, network(s.opts), target)
		loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
			if err == nil {
				s.conn = conn
			}
			onConnected(err)
		}, "iosocket-connect-complete"))
	}()
}

// AssignToEventLoop implements bootstrap.Socket.
func (s *Socket) AssignToEventLoop(loop channel.EventLoop) { s.loop = loop }

// Bind implements bootstrap.Socket.
func (s *Socket) Bind(address string) error {
	ln, err := net.Listen(network(s.opts), address)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Listen is a no-op: net.Listen already binds and listens atomically. The
// backlog argument is accepted for interface parity with the specification
// (the standard library does not expose a separate listen(2) backlog knob
// once the listener is created).
func (s *Socket) Listen(backlog int) error {
	if s.ln == nil {
		return fmt.Errorf("iosocket: Listen called before Bind")
	}
	return nil
}

// StartAccept implements bootstrap.Socket, spawning an accept loop
// goroutine that marshals every accepted connection (or terminal error)
// onto loop.
func (s *Socket) StartAccept(loop channel.EventLoop, onAccepted func(sock bootstrap.Socket, err error)) error {
	if s.ln == nil {
		return fmt.Errorf("iosocket: StartAccept called before Bind/Listen")
	}
	s.loop = loop
	s.accepted.Store(true)
	go func() {
		for {
			conn, err := s.ln.Accept()
			if err != nil {
				if s.closed.Load() {
					return
				}
				loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
					onAccepted(nil, err)
				}, "iosocket-accept-error"))
				return
			}
			accepted := &Socket{logger: s.logger, dialer: s.dialer, opts: s.opts, conn: conn}
			loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
				onAccepted(accepted, nil)
			}, "iosocket-accepted"))
		}
	}()
	return nil
}

// StopAccept implements bootstrap.Socket.
func (s *Socket) StopAccept() {
	s.closed.Store(true)
	if s.ln != nil {
		s.ln.Close()
	}
}

// Close implements bootstrap.Socket.
func (s *Socket) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}

// CleanUp implements bootstrap.Socket.
func (s *Socket) CleanUp() {}

// LocalAddr implements bootstrap.Socket. Uses safeconn.LocalAddr so a nil
// or not-yet-connected conn reports an empty string instead of panicking.
func (s *Socket) LocalAddr() string {
	if s.conn != nil {
		return safeconn.LocalAddr(s.conn)
	}
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return ""
}

// RemoteAddr implements bootstrap.Socket.
func (s *Socket) RemoteAddr() string {
	return safeconn.RemoteAddr(s.conn)
}

// Conn exposes the underlying net.Conn once connected/accepted, for the
// handler built by Factory.NewSocketHandler.
func (s *Socket) Conn() net.Conn { return s.conn }

var _ bootstrap.Socket = (*Socket)(nil)
