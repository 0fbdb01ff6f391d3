// Package bootstrap composes channel.Channel pipelines over real sockets:
// ClientBootstrap races connection attempts across resolved addresses and
// wires transport/TLS/ALPN slots onto the winner; ServerBootstrap accepts
// connections and wires the same slot stack onto each one.
//
// The external collaborators a bootstrap consumes (resolver, socket, TLS
// handler) are declared here as interfaces, the way the teacher's Pipe
// consumes an externally supplied destination writer rather than owning a
// concrete transport.
package bootstrap

import (
	"crypto/tls"
	"time"

	"github.com/channelio/channelio/channel"
)

// RecordType distinguishes the two DNS record kinds a HostResolver returns.
type RecordType int

const (
	RecordA RecordType = iota
	RecordAAAA
)

func (r RecordType) String() string {
	if r == RecordAAAA {
		return "AAAA"
	}
	return "A"
}

// Address is one resolved (or statically configured) connection target.
type Address struct {
	Host string
	Type RecordType
}

// ResolutionConfig bounds how a HostResolver caches and resolves names.
type ResolutionConfig struct {
	TTL time.Duration
}

// DefaultResolutionConfig matches the specification's default: a 30 second
// TTL, used whenever a caller doesn't supply its own.
func DefaultResolutionConfig() ResolutionConfig {
	return ResolutionConfig{TTL: 30 * time.Second}
}

// ResolveCallback is invoked by a HostResolver once resolution completes.
// addresses is non-empty whenever err is nil.
type ResolveCallback func(name string, err error, addresses []Address)

// HostResolver is the external collaborator a ClientBootstrap consults to
// turn a hostname into a race-able address list.
type HostResolver interface {
	// ResolveHost eventually invokes cb exactly once, possibly from a
	// goroutine other than the caller's.
	ResolveHost(name string, cfg ResolutionConfig, cb ResolveCallback)

	// RecordConnectionFailure feeds health information back to the
	// resolver so it can deprioritize or evict a bad address.
	RecordConnectionFailure(addr Address)
}

// SocketDomain mirrors the specification's socket domain enumeration.
type SocketDomain int

const (
	DomainIPv4 SocketDomain = iota
	DomainIPv6
	DomainLocal
)

// SocketKind mirrors the specification's socket type enumeration. Only
// Stream sockets may carry TLS.
type SocketKind int

const (
	KindStream SocketKind = iota
	KindDatagram
)

// SocketOptions configures a Socket before it connects, listens, or accepts.
type SocketOptions struct {
	Domain          SocketDomain
	Kind            SocketKind
	MaxFragmentSize int
	ConnectTimeout  time.Duration
}

// DefaultSocketOptions returns stream/IPv4 options with a conservative
// fragment size and connect timeout.
func DefaultSocketOptions() SocketOptions {
	return SocketOptions{
		Domain:          DomainIPv4,
		Kind:            KindStream,
		MaxFragmentSize: 16 * 1024,
		ConnectTimeout:  30 * time.Second,
	}
}

// Socket is the external collaborator providing actual network I/O. A
// Socket is constructed unconnected; Connect or Bind+Listen+StartAccept
// bring it to life.
type Socket interface {
	// Connect begins an asynchronous connect to addr on loop, reporting
	// completion via onConnected exactly once, from loop's thread.
	Connect(addr Address, port int, loop channel.EventLoop, onConnected func(err error))

	// AssignToEventLoop binds an already-connected (e.g. accepted) socket
	// to loop for all further I/O.
	AssignToEventLoop(loop channel.EventLoop)

	// Bind/Listen/StartAccept/StopAccept implement the listener half.
	Bind(address string) error
	Listen(backlog int) error
	StartAccept(loop channel.EventLoop, onAccepted func(s Socket, err error)) error
	StopAccept()

	// Close closes the underlying transport; CleanUp releases any
	// remaining bookkeeping. Both are idempotent.
	Close() error
	CleanUp()

	// LocalAddr/RemoteAddr are best-effort, used only for logging.
	LocalAddr() string
	RemoteAddr() string
}

// SocketFactory constructs Sockets matching a given SocketOptions, and
// installs the channel.Handler that turns a connected Socket into the
// head-of-pipeline transport stage.
type SocketFactory interface {
	NewSocket(opts SocketOptions) (Socket, error)
	NewSocketHandler(s Socket, opts SocketOptions) channel.Handler
}

// TLSCallbacks are the callbacks a TLS handler reports through. The client
// and server bootstraps construct them internally: a negotiation result
// either delivers setup or shuts the channel down, and an error shuts the
// channel down. Callers cannot supply TLS callbacks of their own (TLSOptions
// has no field for them), there is no data-read callback, and negotiation
// outcomes reach the caller only through the setup or incoming callback.
type TLSCallbacks struct {
	OnNegotiationResult func(err error)
	OnError             func(err error)
}

// TLSOptions configures a client or server TLS handler.
type TLSOptions struct {
	ClientConfig  *tls.Config
	ServerConfig  *tls.Config
	ALPNProtocols []string
}

// HasALPN reports whether ALPN negotiation should be layered on.
func (o TLSOptions) HasALPN() bool { return len(o.ALPNProtocols) > 0 }

// TLSHandler is a channel.Handler that additionally knows how to kick off
// its own negotiation once installed on a slot.
type TLSHandler interface {
	channel.Handler
	StartNegotiation(s *channel.Slot) error
}

// TLSHandlerFactory is the external collaborator constructing TLS and ALPN
// handler stages.
type TLSHandlerFactory interface {
	NewClientHandler(opts TLSOptions, cbs TLSCallbacks) TLSHandler
	NewServerHandler(opts TLSOptions, cbs TLSCallbacks) TLSHandler
	NewALPNHandler(protocols []string, onNegotiated func(proto string)) channel.Handler
	CleanUpThreadLocalState(loop channel.EventLoop)
}
