package aio

import (
	"container/heap"
	"sync"
	"time"
)

// schedulerDispatcher is the fd-less dispatcher variant: a priority
// queue keyed by deadline. GetTask waits on a condition
// variable until the head expires or a fresher registration supersedes
// it. It lets "run at time T" and "wait for read" share one primitive.
type schedulerDispatcher struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   deadlineHeap
	immediate []Task // no-op wakes owed after StopWait cancellations
	stopped   bool
	wake      bool // set by Interrupt to break GetTask out of its wait
	byTaskID  map[uint64]*registration
}

// NewSchedulerDispatcher constructs a timer-only Dispatcher.
func NewSchedulerDispatcher() Dispatcher {
	d := &schedulerDispatcher{byTaskID: make(map[uint64]*registration)}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *schedulerDispatcher) WaitAsync(resource Resource, cb Callback, deadline time.Time) bool {
	if resource.Kind != Scheduled {
		return false
	}
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	reg := &registration{resource: resource, callback: cb, deadline: deadline, seq: nextSeq()}
	heap.Push(&d.pending, reg)
	d.byTaskID[resource.TaskID] = reg
	d.cond.Signal()
	d.mu.Unlock()
	return true
}

func (d *schedulerDispatcher) GetTask() (Task, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for {
		if len(d.immediate) > 0 {
			task := d.immediate[0]
			d.immediate = d.immediate[1:]
			return task, true
		}
		if d.stopped {
			if len(d.pending) == 0 {
				return Task{}, false
			}
			reg := heap.Pop(&d.pending).(*registration)
			delete(d.byTaskID, reg.resource.TaskID)
			return Task{Callback: reg.callback, Success: false}, true
		}

		if len(d.pending) == 0 {
			d.cond.Wait()
			continue
		}

		head := d.pending[0]
		now := time.Now()
		if !head.deadline.After(now) {
			heap.Pop(&d.pending)
			delete(d.byTaskID, head.resource.TaskID)
			return Task{Callback: head.callback, Success: true}, true
		}

		if d.wake {
			d.wake = false
			continue
		}

		// Wait until the head's deadline using a timer that signals the
		// condition variable; re-check afterwards since a fresher
		// registration may have jumped the queue while we slept.
		wait := head.deadline.Sub(now)
		timer := time.AfterFunc(wait, func() {
			d.mu.Lock()
			d.cond.Signal()
			d.mu.Unlock()
		})
		d.cond.Wait()
		timer.Stop()
	}
}

func (d *schedulerDispatcher) Interrupt() {
	d.mu.Lock()
	d.wake = true
	d.cond.Signal()
	d.mu.Unlock()
}

// StopWait detaches the registration with resource's task id and
// returns its callback uninvoked. A no-op wake is queued so the task
// count seen by workers still matches the registration count.
func (d *schedulerDispatcher) StopWait(resource Resource) (Callback, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.byTaskID[resource.TaskID]
	if !ok {
		return nil, false
	}
	delete(d.byTaskID, resource.TaskID)
	for i, r := range d.pending {
		if r == reg {
			heap.Remove(&d.pending, i)
			break
		}
	}
	d.immediate = append(d.immediate, Task{})
	d.cond.Signal()
	return reg.callback, true
}

func (d *schedulerDispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()
}
