package channel

import "sync"

// MessageType tags the kind of payload an [Message] carries through a Channel.
type MessageType int

const (
	// MessageReadData carries bytes flowing rightward (inbound) from the transport.
	MessageReadData MessageType = iota
	// MessageWriteData carries bytes flowing leftward (outbound) towards the transport.
	MessageWriteData
	// MessageApplicationData carries a user-handler payload, either direction.
	MessageApplicationData
	// MessageWindowUpdate is an internal marker; window deltas travel via
	// Slot.IncrementReadWindow rather than as queued messages, but handlers
	// may tag synthetic messages with this type for diagnostics.
	MessageWindowUpdate
)

func (t MessageType) String() string {
	switch t {
	case MessageReadData:
		return "READ_DATA"
	case MessageWriteData:
		return "WRITE_DATA"
	case MessageApplicationData:
		return "APPLICATION_DATA"
	case MessageWindowUpdate:
		return "WINDOW_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Message is an allocator-owned buffer flowing through a Channel's slot chain.
//
// Ownership is single-holder: whoever currently holds the Message must either
// Release it or hand it off (by calling Slot.SendMessage, which transfers
// ownership on success). Calling Release twice, or touching a Message after
// handoff, is a programming error and Release will panic in that case so the
// bug surfaces immediately instead of corrupting pool state.
type Message struct {
	Type      MessageType
	Payload   []byte
	SizeLimit int

	// Src and Dst optionally identify the slots this message is travelling
	// between; populated by Slot.SendMessage, nil until then.
	Src *Slot
	Dst *Slot

	pool     *MessagePool
	released bool
}

// Len returns the payload length, the unit the window protocol accounts in.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Payload)
}

// Release returns m to its pool (if any). Safe to call on a nil Message.
// Calling it a second time on the same Message panics.
func (m *Message) Release() {
	if m == nil {
		return
	}
	if m.released {
		panic("channel: message released twice")
	}
	m.released = true
	if m.pool != nil {
		m.pool.put(m)
	}
}

// MessagePool recycles Message buffers, grounded in the teacher's
// sync.Pool-backed Pipe.Get/Pipe.Put message reuse.
type MessagePool struct {
	pool sync.Pool
}

// NewMessagePool returns a ready-to-use MessagePool.
func NewMessagePool() *MessagePool {
	return &MessagePool{}
}

// Get returns an empty Message of the given type from the pool, allocating a
// new one if the pool is empty.
func (p *MessagePool) Get(typ MessageType, sizeLimit int) *Message {
	if m, ok := p.pool.Get().(*Message); ok {
		m.Type = typ
		m.Payload = m.Payload[:0]
		m.SizeLimit = sizeLimit
		m.Src, m.Dst = nil, nil
		m.released = false
		return m
	}
	return &Message{Type: typ, SizeLimit: sizeLimit, pool: p}
}

func (p *MessagePool) put(m *Message) {
	m.Payload = nil
	m.Src, m.Dst = nil, nil
	p.pool.Put(m)
}
