package iosocket

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/channelio/channelio/bootstrap"
	"github.com/channelio/channelio/eventloop"
)

func TestSocketConnectToListenerSucceeds(t *testing.T) {
	f := NewFactory(nil)
	loop := eventloop.New(nil)
	defer loop.Stop()

	lnOpts := bootstrap.DefaultSocketOptions()
	lnSock, err := f.NewSocket(lnOpts)
	require.NoError(t, err)
	require.NoError(t, lnSock.Bind("127.0.0.1:0"))
	require.NoError(t, lnSock.Listen(1024))

	accepted := make(chan bootstrap.Socket, 1)
	require.NoError(t, lnSock.StartAccept(loop, func(s bootstrap.Socket, err error) {
		require.NoError(t, err)
		accepted <- s
	}))

	clientSock, err := f.NewSocket(bootstrap.DefaultSocketOptions())
	require.NoError(t, err)

	addr := lnSock.LocalAddr()
	host, port := splitHostPort(t, addr)

	connected := make(chan error, 1)
	clientSock.Connect(bootstrap.Address{Host: host, Type: bootstrap.RecordA}, port, loop, func(err error) {
		connected <- err
	})

	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("connect never completed")
	}

	select {
	case s := <-accepted:
		require.NotEmpty(t, s.RemoteAddr())
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}

	lnSock.StopAccept()
	require.NoError(t, clientSock.Close())
}

func TestSocketLocalAddrEmptyBeforeConnect(t *testing.T) {
	f := NewFactory(nil)
	s, err := f.NewSocket(bootstrap.DefaultSocketOptions())
	require.NoError(t, err)
	require.Empty(t, s.LocalAddr())
	require.Empty(t, s.RemoteAddr())
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
