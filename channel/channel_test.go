package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// recordingHandler is a minimal Handler that records every call made to it,
// for asserting shutdown ordering and message routing in tests.
type recordingHandler struct {
	name   string
	log    *[]string
	initWS int
	over   int

	shutdownErr error
}

func (h *recordingHandler) ProcessRead(s *Slot, m *Message) error {
	*h.log = append(*h.log, h.name+":read")
	return nil
}

func (h *recordingHandler) ProcessWrite(s *Slot, m *Message) error {
	*h.log = append(*h.log, h.name+":write")
	return nil
}

func (h *recordingHandler) IncrementReadWindow(s *Slot, delta int) error {
	*h.log = append(*h.log, h.name+":window")
	return nil
}

func (h *recordingHandler) Shutdown(s *Slot, dir Direction, cause error, urgent bool) error {
	*h.log = append(*h.log, h.name+":shutdown-"+dir.String())
	h.shutdownErr = cause
	s.OnHandlerShutdownComplete(dir, cause, urgent)
	return nil
}

func (h *recordingHandler) InitialWindowSize() int { return h.initWS }
func (h *recordingHandler) MessageOverhead() int   { return h.over }
func (h *recordingHandler) Destroy()               { *h.log = append(*h.log, h.name+":destroy") }

func newChannelForTest(t *testing.T) (*Channel, *fakeLoop, chan error) {
	t.Helper()
	loop := newFakeLoop()
	setupErr := make(chan error, 1)
	ch := New(loop, Callbacks{
		OnSetupCompleted: func(_ *Channel, err error) { setupErr <- err },
	})
	loop.drain()
	return ch, loop, setupErr
}

func TestNewChannelDeliversSetupExactlyOnce(t *testing.T) {
	ch, _, setupErr := newChannelForTest(t)
	require.NotNil(t, ch)
	select {
	case err := <-setupErr:
		require.NoError(t, err)
	default:
		t.Fatal("setup callback never fired")
	}
}

func TestSlotChainInsertionOrder(t *testing.T) {
	ch, _, _ := newChannelForTest(t)

	a := ch.NewSlot()
	b := ch.NewSlot()
	require.NoError(t, ch.InsertEnd(b))
	c := ch.NewSlot()
	require.NoError(t, ch.InsertRight(a, c))

	// a -> c -> b
	require.Equal(t, ch.Head(), a)
	require.Equal(t, ch.Tail(), b)
	require.Equal(t, c, a.Right())
	require.Equal(t, a, c.Left())
	require.Equal(t, b, c.Right())
}

func TestSetHandlerTwiceFails(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	s := ch.NewSlot()
	var log []string
	require.NoError(t, s.SetHandler(&recordingHandler{name: "h1", log: &log}))
	require.ErrorIs(t, s.SetHandler(&recordingHandler{name: "h2", log: &log}), ErrHandlerAlreadySet)
}

func TestSetHandlerPropagatesInitialWindowUpstream(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	var log []string

	head := ch.NewSlot()
	require.NoError(t, head.SetHandler(&recordingHandler{name: "transport", log: &log}))

	tail := ch.NewSlot()
	require.NoError(t, ch.InsertRight(head, tail))
	require.NoError(t, tail.SetHandler(&recordingHandler{name: "app", log: &log, initWS: 4096}))

	require.Equal(t, 4096, tail.WindowSize(), "the handler's own slot accrues its declared initial window")
	require.Contains(t, log, "transport:window", "the left neighbor's handler is notified it may send more")
}

func TestSendMessageExceedsWindowLeavesOwnership(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	var log []string

	head := ch.NewSlot()
	require.NoError(t, head.SetHandler(&recordingHandler{name: "transport", log: &log}))
	tail := ch.NewSlot()
	require.NoError(t, ch.InsertRight(head, tail))
	require.NoError(t, tail.SetHandler(&recordingHandler{name: "app", log: &log, initWS: 4}))

	m := ch.Pool().Get(MessageReadData, 0)
	m.Payload = make([]byte, 16)

	err := head.SendMessage(m, DirRead)
	require.ErrorIs(t, err, ErrExceedsWindow)
	require.Equal(t, 4, tail.WindowSize(), "window must be unchanged on rejection")
	m.Release()
}

func TestSendMessageRoutesToNeighborAndDecrementsWindow(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	var log []string

	head := ch.NewSlot()
	require.NoError(t, head.SetHandler(&recordingHandler{name: "transport", log: &log}))
	tail := ch.NewSlot()
	require.NoError(t, ch.InsertRight(head, tail))
	require.NoError(t, tail.SetHandler(&recordingHandler{name: "app", log: &log, initWS: 16}))

	m := ch.Pool().Get(MessageReadData, 0)
	m.Payload = make([]byte, 10)

	require.NoError(t, head.SendMessage(m, DirRead))
	require.Equal(t, 6, tail.WindowSize())
	require.Contains(t, log, "app:read")
}

func TestSendMessageNoNeighborFails(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	s := ch.NewSlot()
	var log []string
	require.NoError(t, s.SetHandler(&recordingHandler{name: "only", log: &log}))

	m := ch.Pool().Get(MessageReadData, 0)
	require.ErrorIs(t, s.SendMessage(m, DirRead), ErrNoNeighbor)
	require.ErrorIs(t, s.SendMessage(m, DirWrite), ErrNoNeighbor)
}

func TestRemoveSlotRequiresQuiescence(t *testing.T) {
	ch, _, _ := newChannelForTest(t)
	s := ch.NewSlot()
	var log []string
	require.NoError(t, s.SetHandler(&recordingHandler{name: "h", log: &log}))

	s2 := ch.NewSlot()
	require.NoError(t, ch.InsertRight(s, s2))

	require.True(t, s.Quiescent())
	require.NoError(t, s.Remove())
	require.Contains(t, log, "h:destroy")
}

func TestShutdownVisitsEverySlotExactlyOnceInOrder(t *testing.T) {
	ch, loop, _ := newChannelForTest(t)
	var log []string

	a := ch.NewSlot()
	require.NoError(t, a.SetHandler(&recordingHandler{name: "a", log: &log}))
	b := ch.NewSlot()
	require.NoError(t, ch.InsertRight(a, b))
	require.NoError(t, b.SetHandler(&recordingHandler{name: "b", log: &log}))
	c := ch.NewSlot()
	require.NoError(t, ch.InsertRight(b, c))
	require.NoError(t, c.SetHandler(&recordingHandler{name: "c", log: &log}))

	var shutdownErr error
	shutdownDone := make(chan struct{})
	ch.cb.OnShutdownCompleted = func(_ *Channel, err error) {
		shutdownErr = err
		close(shutdownDone)
	}

	cause := ErrUnknown
	ch.Shutdown(cause, false)
	loop.drain()

	select {
	case <-shutdownDone:
	default:
		t.Fatal("shutdown never completed")
	}
	require.Equal(t, cause, shutdownErr)
	require.Equal(t, Completed, ch.State())

	require.Equal(t, []string{
		"a:shutdown-read", "b:shutdown-read", "c:shutdown-read",
		"c:shutdown-write", "b:shutdown-write", "a:shutdown-write",
	}, log)
}

func TestShutdownIsIdempotentButUpgradesUrgent(t *testing.T) {
	ch, loop, _ := newChannelForTest(t)
	var log []string
	s := ch.NewSlot()
	require.NoError(t, s.SetHandler(&recordingHandler{name: "s", log: &log}))

	ch.Shutdown(ErrUnknown, false)
	require.False(t, ch.urgent)
	ch.Shutdown(ErrUnknown, true)
	require.True(t, ch.urgent)

	loop.drain()
	require.Len(t, log, 2, "handler shutdown must be invoked exactly once per direction")
}

func TestAcquireHoldDelaysFree(t *testing.T) {
	ch, loop, _ := newChannelForTest(t)
	var log []string
	s := ch.NewSlot()
	require.NoError(t, s.SetHandler(&recordingHandler{name: "s", log: &log}))

	ch.AcquireHold()
	ch.Shutdown(nil, true)
	loop.drain()

	ch.Destroy()
	require.NotContains(t, log, "s:destroy", "handler destroy must wait for the hold to release")

	ch.ReleaseHold()
	require.Contains(t, log, "s:destroy")
}
