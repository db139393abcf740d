package aio

import (
	"errors"
	"sync"
	"time"
)

// Callback is invoked by a worker when a registration is retired, either
// because the wait was satisfied or because it timed out / was cancelled.
// success is true only when the wait was satisfied.
type Callback func(success bool)

// Task pairs a callback with the outcome a worker must report to it.
type Task struct {
	Callback Callback
	Success  bool
}

// Run invokes the callback. A nil Task (as returned when a dispatcher has
// nothing ready and is told to stop) is a no-op.
func (t Task) Run() {
	if t.Callback != nil {
		t.Callback(t.Success)
	}
}

var (
	// ErrDispatcherStopped is returned by Provider.RunAsyncWait and
	// Provider.RunAsyncAction after the provider has been stopped.
	ErrDispatcherStopped = errors.New("aio: dispatcher stopped")
	// ErrNoDispatcherForResource means no installed dispatcher accepted
	// the offered resource — a structural bug in the caller's setup.
	ErrNoDispatcherForResource = errors.New("aio: no dispatcher for resource")
)

// Dispatcher is one poller instance: epoll, poll, or a pure timer
// scheduler. Implementations must be safe for concurrent use by multiple
// goroutines (GetTask is normally called from exactly one worker at a
// time per dispatcher, but WaitAsync and StopWait may be called from
// anywhere).
type Dispatcher interface {
	// WaitAsync registers resource with cb to fire at deadline (zero
	// means never) or on readiness, whichever comes first. ok is false
	// if this dispatcher cannot service resource.Kind.
	WaitAsync(resource Resource, cb Callback, deadline time.Time) (ok bool)

	// GetTask blocks until a registration is ready to retire and returns
	// its task. It returns ok=false once the dispatcher has stopped and
	// drained every pending registration.
	GetTask() (task Task, ok bool)

	// Interrupt wakes a blocked GetTask without producing a task. Safe
	// to call multiple times; idempotent within one poll cycle.
	Interrupt()

	// StopWait cancels a pending registration matching resource and
	// returns its callback (without invoking it) so the caller decides
	// how to report the outcome. ok is false if no matching registration
	// was found.
	StopWait(resource Resource) (cb Callback, ok bool)

	// Stop marks the dispatcher stopped and wakes GetTask. From then on
	// GetTask retires the pending registrations with success=false, one
	// per call, and returns ok=false once none remain.
	Stop()
}

// registration is the bookkeeping record held inside a dispatcher's
// tables: {resource, callback, deadline}. Lifetime runs from submission
// until readiness fires, the deadline expires, the dispatcher stops, or
// explicit cancellation via StopWait.
type registration struct {
	resource Resource
	callback Callback
	deadline time.Time // zero = no deadline
	seq      uint64    // registration order, used to break deadline ties
	heapIdx  int        // index into the owning deadlineHeap, -1 if absent
}

// deadlineHeap is a container/heap-compatible slice of *registration
// ordered by deadline, ties broken by registration order. Used by every
// dispatcher implementation to answer "what's the next timeout".
type deadlineHeap []*registration

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}
func (h *deadlineHeap) Push(x any) {
	r := x.(*registration)
	r.heapIdx = len(*h)
	*h = append(*h, r)
}
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIdx = -1
	*h = old[:n-1]
	return item
}

// seqCounter hands out monotonically increasing registration sequence
// numbers shared across dispatchers constructed in the same process, so
// that tie-break ordering is stable even when resources move between
// dispatchers (they never do today, but the counter costs nothing).
var seqCounter struct {
	mu  sync.Mutex
	cur uint64
}

func nextSeq() uint64 {
	seqCounter.mu.Lock()
	seqCounter.cur++
	v := seqCounter.cur
	seqCounter.mu.Unlock()
	return v
}
