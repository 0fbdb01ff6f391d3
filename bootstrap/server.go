package bootstrap

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/channelio/channelio/channel"
)

// IncomingCallback reports one accepted connection, exactly once. channel
// is nil iff err is non-nil.
type IncomingCallback func(ch *channel.Channel, err error)

// ServerBootstrap accepts connections on a listening socket and wires each
// one with the same transport/TLS/ALPN slot stack a ClientBootstrap builds
// for the winner of a connection race.
type ServerBootstrap struct {
	logger *zerolog.Logger

	group   channel.EventLoopGroup
	sockets SocketFactory
	tls     TLSHandlerFactory

	alpnCallback atomic.Value // func(proto string)
}

// NewServerBootstrap constructs a ServerBootstrap.
func NewServerBootstrap(group channel.EventLoopGroup, sockets SocketFactory, tlsFactory TLSHandlerFactory, logger *zerolog.Logger) *ServerBootstrap {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ServerBootstrap{logger: logger, group: group, sockets: sockets, tls: tlsFactory}
}

// SetALPNCallback installs a shared protocol-negotiated callback used for
// all accepted TLS channels.
func (b *ServerBootstrap) SetALPNCallback(fn func(proto string)) {
	b.alpnCallback.Store(fn)
}

func (b *ServerBootstrap) alpn() func(proto string) {
	if v := b.alpnCallback.Load(); v != nil {
		return v.(func(proto string))
	}
	return nil
}

// Listener is the handle returned for a bound, accepting listener socket.
// Its lifetime is owned by the server state created alongside it; callers
// destroy it via ServerBootstrap.DestroySocketListener.
type Listener struct {
	state *serverState
}

type serverState struct {
	b *ServerBootstrap

	listenerSocket Socket
	loop           channel.EventLoop

	sockOpts SocketOptions
	tlsOpts  *TLSOptions

	onIncoming IncomingCallback
	onShutdown ShutdownCallback
	onDestroy  func()

	refcount atomic.Int64
}

func (s *serverState) acquire() { s.refcount.Add(1) }

func (s *serverState) release() {
	if s.refcount.Add(-1) == 0 && s.onDestroy != nil {
		s.onDestroy()
	}
}

// NewSocketListener binds address, listens with backlog 1024, and begins
// accepting connections on a next-round-robin event loop.
func (b *ServerBootstrap) NewSocketListener(address string, opts SocketOptions, onIncoming IncomingCallback, onShutdown ShutdownCallback) (*Listener, error) {
	return b.newListener(address, opts, nil, onIncoming, onShutdown)
}

// NewTLSSocketListener is NewSocketListener plus a TLS (and optional ALPN)
// stage negotiated on every accepted connection before incoming is
// delivered.
func (b *ServerBootstrap) NewTLSSocketListener(address string, opts SocketOptions, tlsOpts TLSOptions, onIncoming IncomingCallback, onShutdown ShutdownCallback) (*Listener, error) {
	if opts.Kind != KindStream {
		return nil, ErrInvalidOptions
	}
	return b.newListener(address, opts, &tlsOpts, onIncoming, onShutdown)
}

const listenBacklog = 1024

func (b *ServerBootstrap) newListener(address string, opts SocketOptions, tlsOpts *TLSOptions, onIncoming IncomingCallback, onShutdown ShutdownCallback) (*Listener, error) {
	sock, err := b.sockets.NewSocket(opts)
	if err != nil {
		return nil, err
	}
	if err := sock.Bind(address); err != nil {
		sock.CleanUp()
		return nil, err
	}
	if err := sock.Listen(listenBacklog); err != nil {
		sock.CleanUp()
		return nil, err
	}

	loop := b.group.GetNext()
	st := &serverState{
		b:              b,
		listenerSocket: sock,
		loop:           loop,
		sockOpts:       opts,
		tlsOpts:        tlsOpts,
		onIncoming:     onIncoming,
		onShutdown:     onShutdown,
	}
	st.refcount.Store(1)

	if err := sock.StartAccept(loop, func(accepted Socket, err error) {
		b.onAccepted(st, accepted, err)
	}); err != nil {
		sock.CleanUp()
		return nil, err
	}

	return &Listener{state: st}, nil
}

func (b *ServerBootstrap) onAccepted(st *serverState, sock Socket, err error) {
	if err != nil {
		st.onIncoming(nil, err)
		return
	}

	st.acquire()
	loop := b.group.GetNext()
	sock.AssignToEventLoop(loop)

	pc := &perChannel{st: st, sock: sock}

	channel.New(loop, channel.Callbacks{
		OnSetupCompleted: func(ch *channel.Channel, err error) {
			if err != nil {
				pc.failSetup(ch, err)
				return
			}
			pc.wire(ch)
		},
		OnShutdownCompleted: func(ch *channel.Channel, err error) {
			pc.onChannelShutdown(ch, err)
		},
	})
}

// perChannel is the per-accepted-connection bookkeeping structure.
type perChannel struct {
	st                *serverState
	sock              Socket
	incomingDelivered bool
}

func (pc *perChannel) wire(ch *channel.Channel) {
	st := pc.st
	head := ch.NewSlot()
	h := st.b.sockets.NewSocketHandler(pc.sock, st.sockOpts)
	if err := head.SetHandler(h); err != nil {
		ch.Shutdown(err, true)
		return
	}

	if st.tlsOpts == nil {
		pc.deliverIncoming(ch, nil)
		return
	}

	tlsSlot := ch.NewSlot()
	if err := ch.InsertRight(head, tlsSlot); err != nil {
		ch.Shutdown(err, true)
		return
	}
	tlsHandler := st.b.tls.NewServerHandler(*st.tlsOpts, TLSCallbacks{
		OnNegotiationResult: func(err error) { pc.onNegotiationResult(ch, err) },
		OnError:             func(err error) { ch.Shutdown(err, false) },
	})
	if err := tlsSlot.SetHandler(tlsHandler); err != nil {
		ch.Shutdown(err, true)
		return
	}

	if st.tlsOpts.HasALPN() {
		alpnSlot := ch.NewSlot()
		if err := ch.InsertRight(tlsSlot, alpnSlot); err != nil {
			ch.Shutdown(err, true)
			return
		}
		alpnHandler := st.b.tls.NewALPNHandler(st.tlsOpts.ALPNProtocols, func(proto string) {
			if fn := st.b.alpn(); fn != nil {
				fn(proto)
			}
		})
		if err := alpnSlot.SetHandler(alpnHandler); err != nil {
			ch.Shutdown(err, true)
			return
		}
	}

	if err := tlsHandler.StartNegotiation(tlsSlot); err != nil {
		ch.Shutdown(err, true)
	}
}

func (pc *perChannel) onNegotiationResult(ch *channel.Channel, err error) {
	if err != nil {
		ch.Shutdown(err, false)
		return
	}
	pc.deliverIncoming(ch, nil)
}

func (pc *perChannel) deliverIncoming(ch *channel.Channel, err error) {
	if pc.incomingDelivered {
		return
	}
	pc.incomingDelivered = true
	pc.st.onIncoming(ch, err)
}

func (pc *perChannel) failSetup(ch *channel.Channel, err error) {
	pc.deliverIncoming(nil, ErrChannelSetupFailure)
	ch.Destroy()
	pc.sock.Close()
	pc.sock.CleanUp()
	pc.st.release()
}

func (pc *perChannel) onChannelShutdown(ch *channel.Channel, err error) {
	if !pc.incomingDelivered {
		if err == nil {
			err = channel.ErrUnknown
		}
		pc.deliverIncoming(nil, err)
	} else if pc.st.onShutdown != nil {
		pc.st.onShutdown(ch, err)
	}
	ch.Destroy()
	pc.sock.Close()
	pc.sock.CleanUp()
	pc.st.release()
}

// DestroySocketListener stops accepting, cleans up the listener socket, and
// releases one reference on the server state, all on the listener's event
// loop. onDestroy, if non-nil, fires once the refcount drops to zero.
func (b *ServerBootstrap) DestroySocketListener(l *Listener, onDestroy func()) {
	st := l.state
	st.onDestroy = onDestroy
	st.loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
		st.listenerSocket.StopAccept()
		st.listenerSocket.Close()
		st.listenerSocket.CleanUp()
		st.release()
	}, "server-bootstrap-destroy-listener"))
}
