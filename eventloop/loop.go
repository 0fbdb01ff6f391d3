// Package eventloop provides a concrete channel.EventLoop / EventLoopGroup
// backed by one dedicated goroutine per loop, each draining a task channel
// in FIFO order. Bootstraps round-robin new Channels across a Group's
// members the way the teacher's Pipe fans callbacks out across a single
// goroutine, generalized here to many loops.
//
// Grounded in github.com/bgpfix/bgpfix/pipe's one-goroutine-per-concern
// design (its eventHandler goroutine draining a buffered channel) and in
// ezex-io-gopkg/scheduler's context-driven timer goroutines for the
// ScheduleTaskFuture implementation.
package eventloop

import (
	"bytes"
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/channelio/channelio/channel"
)

// taskQueueDepth bounds how many tasks may be pending on a Loop before
// ScheduleTaskNow blocks its caller; generous enough that a bootstrap
// racing a handful of connection attempts never contends on it.
const taskQueueDepth = 1024

// goroutineID extracts the calling goroutine's numeric id from its runtime
// stack trace. It exists solely to answer IsCallersThread(); Go has no
// first-class goroutine-local storage, and this is the standard workaround
// used by goroutine-affinity libraries in the ecosystem.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := bytes.TrimPrefix(buf[:n], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Loop is a single-goroutine channel.EventLoop. Every Channel bound to a
// Loop has its slot-mutating methods called only from that one goroutine.
type Loop struct {
	logger *zerolog.Logger

	tasks chan *channel.Task

	kv *xsync.MapOf[string, any]

	goid    atomic.Uint64
	started atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Loop's goroutine and returns once it is ready to accept
// tasks.
func New(logger *zerolog.Logger) *Loop {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		logger: logger,
		tasks:  make(chan *channel.Task, taskQueueDepth),
		kv:     xsync.NewMapOf[string, any](),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	ready := make(chan struct{})
	go l.run(ready)
	<-ready
	return l
}

func (l *Loop) run(ready chan struct{}) {
	l.goid.Store(goroutineID())
	l.started.Store(true)
	close(ready)
	defer close(l.done)

	for {
		select {
		case <-l.ctx.Done():
			l.drainCancelled()
			return
		case t := <-l.tasks:
			l.runTask(t)
		}
	}
}

func (l *Loop) runTask(t *channel.Task) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("tag", t.Tag).Msg("eventloop: task panicked")
		}
	}()
	t.Run(channel.TaskRunReady)
}

func (l *Loop) drainCancelled() {
	for {
		select {
		case t := <-l.tasks:
			t.Run(channel.TaskCancelled)
		default:
			return
		}
	}
}

// Stop signals the loop to exit, then blocks until its goroutine has exited.
// Tasks the loop dequeues before it sees the signal still run as
// TaskRunReady; whatever remains queued once it does runs once as
// TaskCancelled.
func (l *Loop) Stop() {
	l.cancel()
	<-l.done
}

// ScheduleTaskNow implements channel.EventLoop.
func (l *Loop) ScheduleTaskNow(t *channel.Task) {
	select {
	case <-l.ctx.Done():
		t.Run(channel.TaskCancelled)
	case l.tasks <- t:
	}
}

// ScheduleTaskFuture implements channel.EventLoop.
func (l *Loop) ScheduleTaskFuture(t *channel.Task, when time.Time) {
	d := time.Until(when)
	if d <= 0 {
		l.ScheduleTaskNow(t)
		return
	}
	timer := time.AfterFunc(d, func() { l.ScheduleTaskNow(t) })
	go func() {
		select {
		case <-l.ctx.Done():
			timer.Stop()
		case <-l.done:
		}
	}()
}

// CurrentClockTime implements channel.EventLoop.
func (l *Loop) CurrentClockTime() time.Time { return time.Now() }

// IsCallersThread implements channel.EventLoop.
func (l *Loop) IsCallersThread() bool {
	return l.started.Load() && goroutineID() == l.goid.Load()
}

// Put implements channel.EventLoop.
func (l *Loop) Put(key string, val any) { l.kv.Store(key, val) }

// Fetch implements channel.EventLoop.
func (l *Loop) Fetch(key string) (any, bool) { return l.kv.Load(key) }

// Remove implements channel.EventLoop.
func (l *Loop) Remove(key string) { l.kv.Delete(key) }

var _ channel.EventLoop = (*Loop)(nil)

// Group round-robins Channel construction across a fixed set of Loops,
// grounded in the same load-spreading role the teacher's Pipe leaves to its
// caller-supplied goroutine pool.
type Group struct {
	loops []*Loop
	next  atomic.Uint64
}

// NewGroup starts n Loops, each logging through logger.
func NewGroup(n int, logger *zerolog.Logger) *Group {
	g := &Group{loops: make([]*Loop, n)}
	for i := range g.loops {
		g.loops[i] = New(logger)
	}
	return g
}

// Count implements channel.EventLoopGroup.
func (g *Group) Count() int { return len(g.loops) }

// GetAt implements channel.EventLoopGroup.
func (g *Group) GetAt(i int) channel.EventLoop { return g.loops[i] }

// GetNext implements channel.EventLoopGroup.
func (g *Group) GetNext() channel.EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[i%uint64(len(g.loops))]
}

// Stop stops every loop in the group, waiting for each to drain.
func (g *Group) Stop() {
	for _, l := range g.loops {
		l.Stop()
	}
}

var _ channel.EventLoopGroup = (*Group)(nil)
