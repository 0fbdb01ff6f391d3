package channel

// Slot is a node in a Channel's bidirectional handler pipeline. The channel
// owns every slot; a slot only holds non-owning back/neighbor pointers.
// Exactly one of left/right is nil for the two endpoint slots.
//
// All Slot methods are only valid on the owning Channel's event-loop
// thread, same as the rest of the pipeline-mutation surface.
type Slot struct {
	ch    *Channel
	left  *Slot
	right *Slot

	handler Handler

	// windowSize is the number of bytes this slot's handler currently
	// accepts from its left neighbor.
	windowSize int

	// upstreamMessageOverhead is the sum of MessageOverhead() over every
	// handler to this slot's left, recomputed on any handler add/remove.
	upstreamMessageOverhead int

	// processing counts re-entrant handler invocations addressed to this
	// slot; Remove/Replace require it to be zero (the slot is quiescent).
	processing int
}

// Left returns the left neighbor, or nil if s is the head.
func (s *Slot) Left() *Slot { return s.left }

// Right returns the right neighbor, or nil if s is the tail.
func (s *Slot) Right() *Slot { return s.right }

// Channel returns the owning channel.
func (s *Slot) Channel() *Channel { return s.ch }

// Handler returns the slot's current handler, or nil if unset.
func (s *Slot) Handler() Handler { return s.handler }

// WindowSize returns the slot's current read budget in bytes.
func (s *Slot) WindowSize() int { return s.windowSize }

// UpstreamMessageOverhead returns the advisory overhead reserved by
// handlers to this slot's left.
func (s *Slot) UpstreamMessageOverhead() int { return s.upstreamMessageOverhead }

// Quiescent reports whether the slot currently has no message being
// processed by its handler.
func (s *Slot) Quiescent() bool { return s.processing == 0 }

// SetHandler installs h on s. Fails if s already has a handler.
func (s *Slot) SetHandler(h Handler) error {
	return s.ch.setSlotHandler(s, h)
}

// SendMessage forwards m one hop in direction dir: rightward (DirRead) to
// s.Right, or leftward (DirWrite) to s.Left. On ErrExceedsWindow or
// ErrNoNeighbor/ErrNoHandler, the caller retains ownership of m.
func (s *Slot) SendMessage(m *Message, dir Direction) error {
	return s.ch.sendMessage(s, m, dir)
}

// IncrementReadWindow grows this slot's own receive budget by delta and, if
// s has a left neighbor, invokes that neighbor's handler IncrementReadWindow
// callback so it knows it may send delta more bytes into s.
func (s *Slot) IncrementReadWindow(delta int) error {
	return s.ch.incrementReadWindow(s, delta)
}

// OnHandlerShutdownComplete reports that this slot's handler has finished
// its shutdown work for dir, which may have been deferred past the
// Shutdown call returning (e.g. pending a scheduled task).
func (s *Slot) OnHandlerShutdownComplete(dir Direction, cause error, urgent bool) {
	s.ch.onSlotShutdownComplete(s, dir, cause, urgent)
}

// Remove unlinks s from the chain, destroys its handler, and frees it.
// Requires s to be quiescent.
func (s *Slot) Remove() error {
	return s.ch.removeSlot(s)
}

// Replace unlinks s, destroys its handler, and installs newHandler on a
// fresh slot in s's former position, returning that slot.
func (s *Slot) Replace(newHandler Handler) (*Slot, error) {
	return s.ch.replaceSlot(s, newHandler)
}
