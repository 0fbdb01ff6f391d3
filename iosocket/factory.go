package iosocket

import (
	"net"

	"github.com/rs/zerolog"

	"github.com/channelio/channelio/bootstrap"
	"github.com/channelio/channelio/channel"
)

// Factory is the bootstrap.SocketFactory backed by net.Dialer.
type Factory struct {
	Dialer Dialer
	Logger *zerolog.Logger
	Pool   *channel.MessagePool
}

// NewFactory returns a Factory using *net.Dialer and a fresh MessagePool.
func NewFactory(logger *zerolog.Logger) *Factory {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Factory{Dialer: &net.Dialer{}, Logger: logger, Pool: channel.NewMessagePool()}
}

// NewSocket implements bootstrap.SocketFactory.
func (f *Factory) NewSocket(opts bootstrap.SocketOptions) (bootstrap.Socket, error) {
	return &Socket{logger: f.Logger, dialer: f.Dialer, opts: opts}, nil
}

// NewSocketHandler implements bootstrap.SocketFactory, wrapping s's net.Conn
// as the head-of-pipeline transport handler.
func (f *Factory) NewSocketHandler(s bootstrap.Socket, opts bootstrap.SocketOptions) channel.Handler {
	sock := s.(*Socket)
	maxFragment := opts.MaxFragmentSize
	if maxFragment <= 0 {
		maxFragment = 16 * 1024
	}
	return newTransportHandler(sock.Conn(), f.Pool, maxFragment, f.Logger)
}

var _ bootstrap.SocketFactory = (*Factory)(nil)
