package iosocket

import (
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/channelio/channelio/channel"
)

// transportHandler is the head-of-pipeline channel.Handler driving reads and
// writes over a net.Conn. It is the leftmost slot's handler: ProcessWrite
// writes bytes out to conn; reads are pushed rightward via Slot.SendMessage
// as window budget from downstream handlers allows.
//
// Grounded in the teacher's example.go io.Copy wiring, replaced here with an
// explicit read goroutine gated by the window protocol instead of an
// unbounded io.Copy, since the specification requires read flow control.
type transportHandler struct {
	conn        net.Conn
	pool        *channel.MessagePool
	maxFragment int
	logger      *zerolog.Logger

	readBudget atomic.Int64
	wake       chan struct{}
	stop       chan struct{}
	stopped    chan struct{}
	started    atomic.Bool
}

func newTransportHandler(conn net.Conn, pool *channel.MessagePool, maxFragment int, logger *zerolog.Logger) *transportHandler {
	return &transportHandler{
		conn:        conn,
		pool:        pool,
		maxFragment: maxFragment,
		logger:      logger,
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// ProcessRead implements channel.Handler. Nothing ever sends a READ message
// into the transport handler's slot (it is the leftmost slot, with no left
// neighbor), so this only guards against a misrouted call.
func (h *transportHandler) ProcessRead(s *channel.Slot, m *channel.Message) error {
	m.Release()
	return nil
}

// ProcessWrite implements channel.Handler: write m's payload to the socket.
func (h *transportHandler) ProcessWrite(s *channel.Slot, m *channel.Message) error {
	defer m.Release()
	_, err := h.conn.Write(m.Payload)
	return err
}

// IncrementReadWindow implements channel.Handler: grant the socket reader
// goroutine more budget and, on first grant, start it.
func (h *transportHandler) IncrementReadWindow(s *channel.Slot, delta int) error {
	h.readBudget.Add(int64(delta))
	if h.started.CompareAndSwap(false, true) {
		go h.readLoop(s)
	} else {
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

func (h *transportHandler) readLoop(s *channel.Slot) {
	defer close(h.stopped)
	for {
		budget := h.readBudget.Load()
		if budget <= 0 {
			select {
			case <-h.stop:
				return
			case <-h.wake:
				continue
			}
		}

		n := h.maxFragment
		if int64(n) > budget {
			n = int(budget)
		}

		m := h.pool.Get(channel.MessageReadData, n)
		if cap(m.Payload) < n {
			m.Payload = make([]byte, n)
		} else {
			m.Payload = m.Payload[:n]
		}
		read, err := h.conn.Read(m.Payload)
		if read > 0 {
			m.Payload = m.Payload[:read]
			h.readBudget.Add(-int64(read))
			// SendMessage mutates the slot chain and invokes the downstream
			// handler, so it must run on the channel's event-loop thread;
			// conn.Read itself runs here, off that thread, since it's the
			// one suspension point the core delegates to the transport.
			s.Channel().ScheduleTaskNow(channel.NewTask(func(status channel.TaskStatus) {
				if status == channel.TaskCancelled {
					m.Release()
					return
				}
				if sendErr := s.SendMessage(m, channel.DirRead); sendErr != nil {
					m.Release()
					h.logger.Debug().Err(sendErr).Msg("iosocket: dropping read after send failure")
				}
			}, "iosocket-deliver-read"))
		} else {
			m.Release()
		}
		if err != nil {
			select {
			case <-h.stop:
			default:
				s.Channel().Shutdown(err, false)
			}
			return
		}

		select {
		case <-h.stop:
			return
		default:
		}
	}
}

// Shutdown implements channel.Handler.
func (h *transportHandler) Shutdown(s *channel.Slot, dir channel.Direction, cause error, urgent bool) error {
	if dir == channel.DirRead {
		close(h.stop)
		if urgent {
			h.conn.Close()
		}
		if !h.started.Load() {
			s.OnHandlerShutdownComplete(dir, cause, urgent)
			return nil
		}
		go func() {
			<-h.stopped
			s.OnHandlerShutdownComplete(dir, cause, urgent)
		}()
		return nil
	}
	h.conn.Close()
	s.OnHandlerShutdownComplete(dir, cause, urgent)
	return nil
}

// InitialWindowSize implements channel.Handler: the transport is the
// leftmost slot and has no left neighbor to grant a window to, so this
// value is never consumed.
func (h *transportHandler) InitialWindowSize() int { return 0 }

// MessageOverhead implements channel.Handler: raw bytes carry no framing
// overhead at this stage.
func (h *transportHandler) MessageOverhead() int { return 0 }

// Destroy implements channel.Handler.
func (h *transportHandler) Destroy() { h.conn.Close() }

var _ channel.Handler = (*transportHandler)(nil)
