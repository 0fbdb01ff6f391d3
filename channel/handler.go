package channel

// Handler is the polymorphic message processor hosted by a Slot. Concrete
// variants (socket I/O, TLS, ALPN, user stages) implement this capability
// set; the Channel never cares which.
//
// Destroy is called exactly once, only after the owning Channel's two-phase
// shutdown has completed in both directions.
type Handler interface {
	// ProcessRead handles a message flowing rightward into this handler's
	// slot. On error, the channel is expected to be shut down by the
	// caller (a handler error escalates via Channel.Shutdown).
	ProcessRead(s *Slot, m *Message) error

	// ProcessWrite handles a message flowing leftward into this handler's
	// slot.
	ProcessWrite(s *Slot, m *Message) error

	// IncrementReadWindow notifies the handler that its downstream (right)
	// neighbor's window grew by delta, meaning the handler may now send
	// delta more bytes rightward.
	IncrementReadWindow(s *Slot, delta int) error

	// Shutdown runs once per direction, in shutdown order. If urgent is
	// true, the handler must release scarce resources (sockets, fds)
	// before returning; other cleanup may be deferred via a scheduled
	// task, in which case the handler is responsible for later calling
	// Slot.OnHandlerShutdownComplete.
	Shutdown(s *Slot, dir Direction, cause error, urgent bool) error

	// InitialWindowSize is the read budget this handler is willing to
	// grant its upstream neighbor as soon as it is installed.
	InitialWindowSize() int

	// MessageOverhead is the per-message byte overhead this handler adds,
	// advisory for downstream senders sizing their writes.
	MessageOverhead() int

	// Destroy releases any handler-owned resources. Called at most once,
	// after shutdown has completed in both directions.
	Destroy()
}
