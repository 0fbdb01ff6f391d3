package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// reentrantHandler calls Remove on its own slot from inside ProcessRead, to
// exercise the processing re-entrancy guard that backs Quiescent().
type reentrantHandler struct {
	removeErr error
}

func (h *reentrantHandler) ProcessRead(s *Slot, m *Message) error {
	h.removeErr = s.Remove()
	return nil
}
func (h *reentrantHandler) ProcessWrite(s *Slot, m *Message) error          { return nil }
func (h *reentrantHandler) IncrementReadWindow(s *Slot, delta int) error    { return nil }
func (h *reentrantHandler) Shutdown(s *Slot, d Direction, c error, u bool) error {
	return nil
}
func (h *reentrantHandler) InitialWindowSize() int { return 1 << 20 }
func (h *reentrantHandler) MessageOverhead() int   { return 0 }
func (h *reentrantHandler) Destroy()               {}

func TestSlotNotQuiescentDuringOwnProcessing(t *testing.T) {
	ch, _, _ := newChannelForTest(t)

	head := ch.NewSlot()
	var log []string
	require.NoError(t, head.SetHandler(&recordingHandler{name: "head", log: &log}))

	tail := ch.NewSlot()
	require.NoError(t, ch.InsertRight(head, tail))
	rh := &reentrantHandler{}
	require.NoError(t, tail.SetHandler(rh))

	require.True(t, tail.Quiescent())

	m := ch.Pool().Get(MessageReadData, 0)
	require.NoError(t, head.SendMessage(m, DirRead))

	require.ErrorIs(t, rh.removeErr, ErrSlotBusy)
	require.True(t, tail.Quiescent(), "counter must unwind after processing returns")
}
