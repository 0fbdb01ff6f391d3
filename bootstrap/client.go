package bootstrap

import (
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/channelio/channelio/channel"
)

// SetupCallback reports the outcome of a connection attempt exactly once:
// either a non-nil channel with a nil error, or a nil channel with a
// non-nil error.
type SetupCallback func(ch *channel.Channel, err error)

// ShutdownCallback reports that a channel previously delivered via
// SetupCallback has finished shutting down. Fires iff SetupCallback
// reported success.
type ShutdownCallback func(ch *channel.Channel, err error)

// ClientBootstrap races DNS-resolved (or statically configured) addresses
// against each other and hands the first successful connection a Channel
// wired with a socket transport stage and, optionally, TLS/ALPN stages.
//
// Grounded in the teacher's Pipe construction style for the callback/option
// surface, and in bassosimone-nop's ConnectFunc/TLSHandshakeFunc for the
// connect-then-handshake staging this orchestrates.
type ClientBootstrap struct {
	logger *zerolog.Logger

	group    channel.EventLoopGroup
	resolver HostResolver
	sockets  SocketFactory
	tls      TLSHandlerFactory

	defaultResolution ResolutionConfig

	alpnCallback atomic.Value // func(proto string)

	refcount atomic.Int64
}

// NewClientBootstrap constructs a ClientBootstrap. resolver may be nil only
// if every call site uses DomainLocal addressing.
func NewClientBootstrap(group channel.EventLoopGroup, resolver HostResolver, sockets SocketFactory, tlsFactory TLSHandlerFactory, logger *zerolog.Logger) *ClientBootstrap {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	b := &ClientBootstrap{
		logger:            logger,
		group:             group,
		resolver:          resolver,
		sockets:           sockets,
		tls:               tlsFactory,
		defaultResolution: DefaultResolutionConfig(),
	}
	b.refcount.Store(1)
	return b
}

// SetALPNCallback installs a shared protocol-negotiated callback used by
// every TLS channel this bootstrap subsequently creates.
func (b *ClientBootstrap) SetALPNCallback(fn func(proto string)) {
	b.alpnCallback.Store(fn)
}

func (b *ClientBootstrap) alpn() func(proto string) {
	if v := b.alpnCallback.Load(); v != nil {
		return v.(func(proto string))
	}
	return nil
}

// Acquire bumps the bootstrap's reference count. Safe from any thread.
func (b *ClientBootstrap) Acquire() { b.refcount.Add(1) }

// Release drops the bootstrap's reference count. Once it reaches zero, a
// cleanup task is scheduled onto every loop in the group to clear that
// loop's TLS thread-local state, and Release blocks until every one of
// them has run. errgroup.Group supplies the single-barrier join the
// specification allows in place of a per-loop condition variable.
func (b *ClientBootstrap) Release() {
	if b.refcount.Add(-1) != 0 {
		return
	}
	if b.tls == nil {
		return
	}
	var g errgroup.Group
	for i := 0; i < b.group.Count(); i++ {
		loop := b.group.GetAt(i)
		g.Go(func() error {
			done := make(chan struct{})
			loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
				b.tls.CleanUpThreadLocalState(loop)
				close(done)
			}, "client-bootstrap-tls-cleanup"))
			<-done
			return nil
		})
	}
	_ = g.Wait()
}

// clientConn is the per-call connection state threaded through resolution,
// the address race, and channel setup. All field access happens on
// connectLoop's thread: resolution callbacks and attempt completions are
// marshaled there before touching any of it, so no lock is needed — the
// same discipline the specification assigns to connection_chosen and
// failed_count.
type clientConn struct {
	b *ClientBootstrap

	host string
	port int

	sockOpts SocketOptions
	tlsOpts  *TLSOptions

	onSetup    SetupCallback
	onShutdown ShutdownCallback

	connectLoop channel.EventLoop

	addressesCount   int
	failedCount      int
	connectionChosen bool
	setupDelivered   bool

	latchedErr error

	winner     Socket
	winnerAddr Address
}

// NewSocketChannel starts the asynchronous connect-and-wire procedure for a
// plain (non-TLS) channel.
func (b *ClientBootstrap) NewSocketChannel(host string, port int, opts SocketOptions, onSetup SetupCallback, onShutdown ShutdownCallback) {
	b.newChannel(host, port, opts, nil, onSetup, onShutdown)
}

// NewTLSSocketChannel is NewSocketChannel plus a TLS (and optional ALPN)
// stage negotiated before setup is delivered.
func (b *ClientBootstrap) NewTLSSocketChannel(host string, port int, opts SocketOptions, tlsOpts TLSOptions, onSetup SetupCallback, onShutdown ShutdownCallback) {
	if opts.Kind != KindStream {
		onSetup(nil, ErrInvalidOptions)
		return
	}
	b.newChannel(host, port, opts, &tlsOpts, onSetup, onShutdown)
}

func (b *ClientBootstrap) newChannel(host string, port int, opts SocketOptions, tlsOpts *TLSOptions, onSetup SetupCallback, onShutdown ShutdownCallback) {
	b.Acquire()
	cc := &clientConn{
		b:          b,
		host:       host,
		port:       port,
		sockOpts:   opts,
		tlsOpts:    tlsOpts,
		onSetup:    onSetup,
		onShutdown: onShutdown,
	}

	if opts.Domain == DomainLocal {
		loop := b.group.GetNext()
		loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
			cc.connectLoop = loop
			cc.addressesCount = 1
			cc.attemptConnection(Address{Host: host, Type: RecordA})
		}, "client-bootstrap-local-connect"))
		return
	}

	if b.resolver == nil {
		b.deliverPreRaceFailure(cc, ErrInvalidOptions)
		return
	}

	b.resolver.ResolveHost(host, b.defaultResolution, func(name string, err error, addresses []Address) {
		loop := b.group.GetNext()
		loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
			cc.connectLoop = loop
			b.onResolved(cc, err, addresses)
		}, "client-bootstrap-resolved"))
	})
}

func (b *ClientBootstrap) onResolved(cc *clientConn, err error, addresses []Address) {
	if err != nil {
		b.logger.Info().Str("host", cc.host).Err(err).Msg("client bootstrap: resolution failed")
		b.deliverPreRaceFailure(cc, err)
		return
	}
	if len(addresses) == 0 {
		b.deliverPreRaceFailure(cc, ErrResolutionFailure)
		return
	}
	cc.addressesCount = len(addresses)
	for _, addr := range addresses {
		cc.attemptConnection(addr)
	}
}

func (b *ClientBootstrap) deliverPreRaceFailure(cc *clientConn, err error) {
	cc.setupDelivered = true
	cc.onSetup(nil, err)
	b.Release()
}

// attemptConnection allocates a socket for addr and races its connect
// against every other in-flight attempt for the same clientConn.
func (cc *clientConn) attemptConnection(addr Address) {
	b := cc.b

	opts := cc.sockOpts
	if opts.Domain != DomainLocal {
		opts.Domain = DomainIPv4
		if addr.Type == RecordAAAA {
			opts.Domain = DomainIPv6
		}
	}

	sock, err := b.sockets.NewSocket(opts)
	if err != nil {
		if cc.sockOpts.Domain != DomainLocal {
			b.resolver.RecordConnectionFailure(addr)
		}
		cc.onAttemptFailed(err)
		return
	}
	sock.Connect(addr, cc.port, cc.connectLoop, func(err error) {
		cc.onConnectionEstablished(addr, sock, err)
	})
}

func (cc *clientConn) onConnectionEstablished(addr Address, sock Socket, err error) {
	b := cc.b
	if err != nil || cc.connectionChosen {
		// Either this attempt failed outright, or it succeeded after a
		// winner was already chosen — either way its socket is discarded
		// and it is bookkept as one fewer outstanding attempt.
		if err != nil && cc.sockOpts.Domain != DomainLocal {
			b.resolver.RecordConnectionFailure(addr)
		}
		sock.Close()
		sock.CleanUp()
		cc.onAttemptFailed(err)
		return
	}

	cc.connectionChosen = true
	cc.winner = sock
	cc.winnerAddr = addr
	cc.buildChannel(sock)
}

// onAttemptFailed records one fewer outstanding attempt, whether it failed
// to connect or it arrived late after a winner was already chosen. A
// late-arriving success after connectionChosen still counts against
// addressesCount. A winner's own channel-construction failure is counted
// too, but by finishChannelSetupFailure, which delivers its error at once
// instead of waiting for failedCount to reach addressesCount.
func (cc *clientConn) onAttemptFailed(err error) {
	b := cc.b
	cc.failedCount++
	if err != nil {
		cc.latchedErr = err
	}
	if cc.failedCount >= cc.addressesCount && !cc.connectionChosen && !cc.setupDelivered {
		cc.setupDelivered = true
		cc.onSetup(nil, ErrConnectionFailure)
		b.Release()
	}
}

func (cc *clientConn) buildChannel(sock Socket) {
	channel.New(cc.connectLoop, channel.Callbacks{
		OnSetupCompleted: func(ch *channel.Channel, err error) {
			if err != nil {
				cc.finishChannelSetupFailure(ch, sock, err)
				return
			}
			cc.wireChannel(ch, sock)
		},
		OnShutdownCompleted: func(ch *channel.Channel, err error) {
			cc.onChannelShutdown(ch, sock, err)
		},
	})
}

func (cc *clientConn) wireChannel(ch *channel.Channel, sock Socket) {
	b := cc.b
	head := ch.NewSlot()
	h := b.sockets.NewSocketHandler(sock, cc.sockOpts)
	if err := head.SetHandler(h); err != nil {
		ch.Shutdown(err, true)
		return
	}

	if cc.tlsOpts == nil {
		cc.deliverSetupSuccess(ch)
		return
	}

	tlsSlot := ch.NewSlot()
	if err := ch.InsertRight(head, tlsSlot); err != nil {
		ch.Shutdown(err, true)
		return
	}
	tlsHandler := b.tls.NewClientHandler(*cc.tlsOpts, TLSCallbacks{
		OnNegotiationResult: func(err error) { cc.onNegotiationResult(ch, err) },
		OnError:             func(err error) { ch.Shutdown(err, false) },
	})
	if err := tlsSlot.SetHandler(tlsHandler); err != nil {
		ch.Shutdown(err, true)
		return
	}

	if cc.tlsOpts.HasALPN() {
		alpnSlot := ch.NewSlot()
		if err := ch.InsertRight(tlsSlot, alpnSlot); err != nil {
			ch.Shutdown(err, true)
			return
		}
		alpnHandler := b.tls.NewALPNHandler(cc.tlsOpts.ALPNProtocols, cc.alpnNegotiated(ch))
		if err := alpnSlot.SetHandler(alpnHandler); err != nil {
			ch.Shutdown(err, true)
			return
		}
	}

	if err := tlsHandler.StartNegotiation(tlsSlot); err != nil {
		ch.Shutdown(err, true)
	}
}

func (cc *clientConn) alpnNegotiated(ch *channel.Channel) func(proto string) {
	return func(proto string) {
		if fn := cc.b.alpn(); fn != nil {
			fn(proto)
		}
	}
}

func (cc *clientConn) onNegotiationResult(ch *channel.Channel, err error) {
	if err != nil {
		ch.Shutdown(err, false)
		return
	}
	cc.deliverSetupSuccess(ch)
}

func (cc *clientConn) deliverSetupSuccess(ch *channel.Channel) {
	if cc.setupDelivered {
		return
	}
	cc.setupDelivered = true
	cc.onSetup(ch, nil)
}

func (cc *clientConn) finishChannelSetupFailure(ch *channel.Channel, sock Socket, err error) {
	sock.Close()
	sock.CleanUp()
	cc.failedCount++
	if !cc.setupDelivered {
		cc.setupDelivered = true
		cc.onSetup(nil, ErrChannelSetupFailure)
	}
	cc.b.Release()
}

// onChannelShutdown runs once the channel's slot chain has fully quiesced,
// for any reason: a negotiation failure before setup was ever delivered, or
// an ordinary shutdown of a channel the caller is already using. A shutdown
// that lands before setup is delivered becomes the one and only setup
// callback (with a nil channel); no shutdown callback follows it, since the
// caller was never given a channel to hold.
func (cc *clientConn) onChannelShutdown(ch *channel.Channel, sock Socket, err error) {
	if !cc.setupDelivered {
		cc.setupDelivered = true
		if err == nil {
			err = ErrChannelSetupFailure
		}
		cc.onSetup(nil, err)
	} else if cc.onShutdown != nil {
		cc.onShutdown(ch, err)
	}
	ch.Destroy()
	sock.Close()
	sock.CleanUp()
	cc.b.Release()
}
