package bootstrap

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/channelio/channelio/channel"
	"github.com/channelio/channelio/eventloop"
)

// listenerSocket is a fakeSocket variant that drives StartAccept by handing
// back pre-seeded connections one at a time, simulating a real listener
// without any network.
type listenerSocket struct {
	fakeSocket
	mu       sync.Mutex
	pending  []Socket
	onAccept func(s Socket, err error)
	loop     channel.EventLoop
	stopped  bool
}

func (s *listenerSocket) StartAccept(loop channel.EventLoop, onAccepted func(s Socket, err error)) error {
	s.mu.Lock()
	s.loop = loop
	s.onAccept = onAccepted
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, accepted := range pending {
		conn := accepted
		loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
			onAccepted(conn, nil)
		}, "fake-accept"))
	}
	return nil
}

func (s *listenerSocket) StopAccept() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

// deliverAccept feeds one more accepted connection into the listener. If
// StartAccept already ran, it is delivered immediately on the accept loop;
// otherwise it queues until StartAccept runs.
func (s *listenerSocket) deliverAccept(sock Socket) {
	s.mu.Lock()
	loop, onAccept := s.loop, s.onAccept
	if onAccept == nil {
		s.pending = append(s.pending, sock)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	loop.ScheduleTaskNow(channel.NewTask(func(channel.TaskStatus) {
		onAccept(sock, nil)
	}, "fake-accept"))
}

type serverSocketFactory struct {
	fakeSocketFactory
	listener *listenerSocket
}

func newServerSocketFactory() *serverSocketFactory {
	f := &serverSocketFactory{fakeSocketFactory: fakeSocketFactory{connectErr: map[string]error{}}}
	f.listener = &listenerSocket{fakeSocket: fakeSocket{factory: &f.fakeSocketFactory}}
	return f
}

func (f *serverSocketFactory) NewSocket(opts SocketOptions) (Socket, error) {
	return f.listener, nil
}

func TestServerBootstrapAcceptDeliversIncomingOnce(t *testing.T) {
	group := eventloop.NewGroup(1, nil)
	defer group.Stop()

	factory := newServerSocketFactory()
	b := NewServerBootstrap(group, factory, nil, nil)

	incoming := make(chan struct {
		ch  *channel.Channel
		err error
	}, 4)
	l, err := b.NewSocketListener("127.0.0.1:0", DefaultSocketOptions(), func(ch *channel.Channel, err error) {
		incoming <- struct {
			ch  *channel.Channel
			err error
		}{ch, err}
	}, nil)
	require.NoError(t, err)
	require.NotNil(t, l)

	factory.listener.deliverAccept(&fakeSocket{factory: &factory.fakeSocketFactory})

	select {
	case res := <-incoming:
		require.NoError(t, res.err)
		require.NotNil(t, res.ch)
	case <-time.After(5 * time.Second):
		t.Fatal("incoming callback never fired")
	}

	select {
	case <-incoming:
		t.Fatal("incoming callback must fire exactly once per accepted connection")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServerBootstrapDestroyListenerStopsAccepting(t *testing.T) {
	group := eventloop.NewGroup(1, nil)
	defer group.Stop()

	factory := newServerSocketFactory()
	b := NewServerBootstrap(group, factory, nil, nil)

	l, err := b.NewSocketListener("127.0.0.1:0", DefaultSocketOptions(), func(ch *channel.Channel, err error) {}, nil)
	require.NoError(t, err)

	destroyed := make(chan struct{})
	b.DestroySocketListener(l, func() { close(destroyed) })

	select {
	case <-destroyed:
	case <-time.After(5 * time.Second):
		t.Fatal("listener destroy never completed")
	}

	factory.listener.mu.Lock()
	stopped := factory.listener.stopped
	factory.listener.mu.Unlock()
	require.True(t, stopped)
}
