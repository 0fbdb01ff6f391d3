// Package tlsio is the concrete bootstrap.TLSHandlerFactory backed by
// crypto/tls, staged as channel.Handler slots rather than a synchronous
// handshake call.
//
// Grounded in bassosimone-nop's TLSEngine/TLSConn abstraction
// (tls.go): that package wraps *tls.Conn behind a narrow interface so
// alternative engines can be substituted, and logs symmetric
// tlsHandshakeStart/tlsHandshakeDone pairs around the handshake. The
// staging here (one blocking HandshakeContext call on its own goroutine,
// fed ciphertext by ProcessRead, with its result marshaled back onto the
// channel's event-loop thread) is this package's own adaptation to the
// channel pipeline's non-blocking contract.
package tlsio

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/channelio/channelio/bootstrap"
	"github.com/channelio/channelio/channel"
)

// Factory implements bootstrap.TLSHandlerFactory using the standard
// library's crypto/tls.
type Factory struct {
	Logger *zerolog.Logger

	mu          sync.Mutex
	threadLocal map[channel.EventLoop]struct{}
}

// NewFactory returns a ready-to-use Factory.
func NewFactory(logger *zerolog.Logger) *Factory {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Factory{Logger: logger, threadLocal: make(map[channel.EventLoop]struct{})}
}

// NewClientHandler implements bootstrap.TLSHandlerFactory.
func (f *Factory) NewClientHandler(opts bootstrap.TLSOptions, cbs bootstrap.TLSCallbacks) bootstrap.TLSHandler {
	return newHandler(f.Logger, opts, cbs, true)
}

// NewServerHandler implements bootstrap.TLSHandlerFactory.
func (f *Factory) NewServerHandler(opts bootstrap.TLSOptions, cbs bootstrap.TLSCallbacks) bootstrap.TLSHandler {
	return newHandler(f.Logger, opts, cbs, false)
}

// NewALPNHandler implements bootstrap.TLSHandlerFactory.
func (f *Factory) NewALPNHandler(protocols []string, onNegotiated func(proto string)) channel.Handler {
	return &alpnHandler{protocols: protocols, onNegotiated: onNegotiated}
}

// CleanUpThreadLocalState implements bootstrap.TLSHandlerFactory. crypto/tls
// keeps no meaningful per-goroutine global state, so this only exists to
// satisfy the contract every loop in the group is walked on bootstrap
// release.
func (f *Factory) CleanUpThreadLocalState(loop channel.EventLoop) {
	f.mu.Lock()
	delete(f.threadLocal, loop)
	f.mu.Unlock()
}

var _ bootstrap.TLSHandlerFactory = (*Factory)(nil)

// pipeConn adapts the channel pipeline's slot on one side to a net.Conn on
// the other, so *tls.Conn (which only knows how to wrap a net.Conn) can sit
// in the middle of a slot chain. Reads/writes made by *tls.Conn against this
// type are served from/to in-memory buffers fed by ProcessRead/ProcessWrite.
// pipeConn implements net.Conn entirely itself; none of the usual socket
// syscalls apply since the bytes actually travel through the slot chain.
type pipeConn struct {
	readCh  chan []byte
	pending []byte

	writeOut func([]byte) error

	closed atomic.Bool
	closeCh chan struct{}
}

func newPipeConn(writeOut func([]byte) error) *pipeConn {
	return &pipeConn{readCh: make(chan []byte, 16), writeOut: writeOut, closeCh: make(chan struct{})}
}

func (c *pipeConn) Read(b []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case chunk, ok := <-c.readCh:
			if !ok {
				return 0, net.ErrClosed
			}
			c.pending = chunk
		case <-c.closeCh:
			return 0, net.ErrClosed
		}
	}
	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *pipeConn) Write(b []byte) (int, error) {
	if err := c.writeOut(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *pipeConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		close(c.closeCh)
	}
	return nil
}

func (c *pipeConn) feed(b []byte) {
	if c.closed.Load() {
		return
	}
	cp := append([]byte(nil), b...)
	select {
	case c.readCh <- cp:
	case <-c.closeCh:
	}
}

func (c *pipeConn) LocalAddr() net.Addr                { return pipeAddr{} }
func (c *pipeConn) RemoteAddr() net.Addr               { return pipeAddr{} }
func (c *pipeConn) SetDeadline(_ time.Time) error      { return nil }
func (c *pipeConn) SetReadDeadline(_ time.Time) error  { return nil }
func (c *pipeConn) SetWriteDeadline(_ time.Time) error { return nil }

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }

// handler is a channel.Handler staging a *tls.Conn in the middle of a slot
// chain: reads from the left (ciphertext in) feed pipeConn, from which the
// handshake draws; writes from the right (plaintext) are encrypted through
// the *tls.Conn and forwarded left as ciphertext. Decrypted inbound data is
// not read back out of the *tls.Conn or forwarded to the right neighbor.
type handler struct {
	logger *zerolog.Logger
	opts   bootstrap.TLSOptions
	cbs    bootstrap.TLSCallbacks
	client bool

	conn   *pipeConn
	tlsCn  *tls.Conn
	result atomic.Bool // negotiation already reported
}

func newHandler(logger *zerolog.Logger, opts bootstrap.TLSOptions, cbs bootstrap.TLSCallbacks, client bool) *handler {
	return &handler{logger: logger, opts: opts, cbs: cbs, client: client}
}

// StartNegotiation implements bootstrap.TLSHandler.
func (h *handler) StartNegotiation(s *channel.Slot) error {
	// The handshake goroutine writes through this callback, so the
	// ciphertext is sent into the slot chain from a task on the channel's
	// event-loop thread rather than from the writing goroutine.
	h.conn = newPipeConn(func(b []byte) error {
		ch := s.Channel()
		payload := append([]byte(nil), b...)
		ch.ScheduleTaskNow(channel.NewTask(func(status channel.TaskStatus) {
			if status == channel.TaskCancelled {
				return
			}
			m := ch.Pool().Get(channel.MessageWriteData, len(payload))
			m.Payload = append(m.Payload[:0], payload...)
			if err := s.SendMessage(m, channel.DirWrite); err != nil {
				m.Release()
				h.logger.Debug().Err(err).Msg("tlsio: dropping write after send failure")
			}
		}, "tlsio-write-out"))
		return nil
	})

	cfg := h.opts.ClientConfig
	if !h.client {
		cfg = h.opts.ServerConfig
	}
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if h.client {
		h.tlsCn = tls.Client(h.conn, cfg)
	} else {
		h.tlsCn = tls.Server(h.conn, cfg)
	}

	go func() {
		err := h.tlsCn.HandshakeContext(context.Background())
		ch := s.Channel()
		ch.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
			h.reportResult(s, err)
		}, "tlsio-negotiation-result"))
	}()
	return nil
}

// reportResult must run on the channel's event-loop thread: it touches the
// slot chain (the neighbor ALPN handler, if any) and invokes user callbacks
// that may themselves mutate the channel.
func (h *handler) reportResult(s *channel.Slot, err error) {
	if !h.result.CompareAndSwap(false, true) {
		return
	}
	if err == nil && s.Right() != nil {
		if alpn, ok := s.Right().Handler().(*alpnHandler); ok {
			alpn.NotifyNegotiated(h.tlsCn.ConnectionState().NegotiatedProtocol)
		}
	}
	if h.cbs.OnNegotiationResult != nil {
		h.cbs.OnNegotiationResult(err)
	}
}

// ProcessRead implements channel.Handler: ciphertext arriving from the left
// (transport) neighbor is fed to the in-progress/completed TLS connection.
func (h *handler) ProcessRead(s *channel.Slot, m *channel.Message) error {
	defer m.Release()
	if h.conn != nil {
		h.conn.feed(m.Payload)
	}
	return nil
}

// ProcessWrite implements channel.Handler: plaintext from the right
// (application) neighbor is encrypted and forwarded left as ciphertext.
func (h *handler) ProcessWrite(s *channel.Slot, m *channel.Message) error {
	defer m.Release()
	if h.tlsCn == nil {
		return nil
	}
	_, err := h.tlsCn.Write(m.Payload)
	return err
}

// IncrementReadWindow implements channel.Handler by propagating the grant
// to the transport, which is what actually drives socket reads.
func (h *handler) IncrementReadWindow(s *channel.Slot, delta int) error {
	return s.IncrementReadWindow(delta)
}

// Shutdown implements channel.Handler.
func (h *handler) Shutdown(s *channel.Slot, dir channel.Direction, cause error, urgent bool) error {
	if h.conn != nil {
		h.conn.Close()
	}
	s.OnHandlerShutdownComplete(dir, cause, urgent)
	return nil
}

// InitialWindowSize implements channel.Handler: the TLS stage consumes
// ciphertext opportunistically and doesn't itself bound the transport, so
// it grants a generous initial budget upstream.
func (h *handler) InitialWindowSize() int { return 64 * 1024 }

// MessageOverhead implements channel.Handler: TLS record framing overhead,
// conservatively estimated.
func (h *handler) MessageOverhead() int { return 29 }

// Destroy implements channel.Handler.
func (h *handler) Destroy() {
	if h.tlsCn != nil {
		h.tlsCn.Close()
	}
}

var _ bootstrap.TLSHandler = (*handler)(nil)

// alpnHandler is a pass-through channel.Handler that records the negotiated
// protocol once its neighbor TLS handler's handshake completes and informs
// the caller via onNegotiated; it adds no framing of its own.
type alpnHandler struct {
	protocols    []string
	onNegotiated func(proto string)
	negotiated   atomic.Bool
}

func (h *alpnHandler) ProcessRead(s *channel.Slot, m *channel.Message) error {
	return s.SendMessage(m, channel.DirRead)
}

func (h *alpnHandler) ProcessWrite(s *channel.Slot, m *channel.Message) error {
	return s.SendMessage(m, channel.DirWrite)
}

func (h *alpnHandler) IncrementReadWindow(s *channel.Slot, delta int) error {
	return s.IncrementReadWindow(delta)
}

func (h *alpnHandler) Shutdown(s *channel.Slot, dir channel.Direction, cause error, urgent bool) error {
	s.OnHandlerShutdownComplete(dir, cause, urgent)
	return nil
}

func (h *alpnHandler) InitialWindowSize() int { return 64 * 1024 }
func (h *alpnHandler) MessageOverhead() int   { return 0 }
func (h *alpnHandler) Destroy()               {}

// NotifyNegotiated reports the protocol chosen during the neighbor TLS
// handler's handshake. Called by that handler through the ALPN handler's
// slot once ConnectionState().NegotiatedProtocol is available.
func (h *alpnHandler) NotifyNegotiated(proto string) {
	if h.negotiated.CompareAndSwap(false, true) && h.onNegotiated != nil {
		h.onNegotiated(proto)
	}
}

var _ channel.Handler = (*alpnHandler)(nil)
