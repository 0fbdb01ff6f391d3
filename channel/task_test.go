package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeLoop is a synchronous, single-threaded stand-in for a real EventLoop:
// ScheduleTaskNow and ScheduleTaskFuture only queue tasks, and drain runs
// them on the calling goroutine, which is always treated as the loop's own
// thread. Good enough to exercise Channel without needing the eventloop
// package.
type fakeLoop struct {
	kv    map[string]any
	now   time.Time
	queue []*Task
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{kv: make(map[string]any), now: time.Unix(0, 0)}
}

func (l *fakeLoop) ScheduleTaskNow(t *Task)              { l.queue = append(l.queue, t) }
func (l *fakeLoop) ScheduleTaskFuture(t *Task, _ time.Time) { l.queue = append(l.queue, t) }
func (l *fakeLoop) CurrentClockTime() time.Time          { return l.now }
func (l *fakeLoop) IsCallersThread() bool                { return true }
func (l *fakeLoop) Put(key string, val any)              { l.kv[key] = val }
func (l *fakeLoop) Fetch(key string) (any, bool)          { v, ok := l.kv[key]; return v, ok }
func (l *fakeLoop) Remove(key string)                     { delete(l.kv, key) }

// drain runs every task currently queued, including ones newly queued by
// earlier tasks in this same drain.
func (l *fakeLoop) drain() {
	for len(l.queue) > 0 {
		t := l.queue[0]
		l.queue = l.queue[1:]
		t.Run(TaskRunReady)
	}
}

func TestTaskRunsOnce(t *testing.T) {
	calls := 0
	task := NewTask(func(status TaskStatus) { calls++ }, "t")
	task.Run(TaskRunReady)
	task.Run(TaskCancelled)
	require.Equal(t, 1, calls)
}

func TestTaskListPushRemoveCancel(t *testing.T) {
	var l taskList
	var statuses []TaskStatus

	a := NewTask(func(s TaskStatus) { statuses = append(statuses, s) }, "a")
	b := NewTask(func(s TaskStatus) { statuses = append(statuses, s) }, "b")

	l.pushBack(a)
	l.pushBack(b)
	require.Equal(t, 2, l.len)

	l.remove(a)
	require.Equal(t, 1, l.len)

	l.cancelAll()
	require.Equal(t, []TaskStatus{TaskCancelled}, statuses)
}

func TestTaskStatusString(t *testing.T) {
	require.Equal(t, "run-ready", TaskRunReady.String())
	require.Equal(t, "cancelled", TaskCancelled.String())
}
