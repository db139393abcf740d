//go:build !linux

package aio

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollDispatcher is the level-triggered fallback used on platforms
// without epoll. It rebuilds a pollfd slice from the
// registration tables on every iteration — level-triggered poll(2) has
// no one-shot concept, so there is nothing to rearm.
type pollDispatcher struct {
	mu       sync.Mutex
	wr        [2]int // self-pipe used to interrupt a blocked poll(2)
	descs     map[int]*fdDesc
	deadline  deadlineHeap
	immediate []Task // no-op wakes owed after StopWait cancellations
	stopped   bool
}

type fdDesc struct {
	readers []*registration
	writers []*registration
}

// NewPollDispatcher constructs a poll(2)-backed Dispatcher for platforms
// without epoll.
func NewPollDispatcher() (Dispatcher, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return nil, err
	}
	d := &pollDispatcher{descs: make(map[int]*fdDesc)}
	d.wr = [2]int{fds[0], fds[1]}
	return d, nil
}

func (d *pollDispatcher) WaitAsync(resource Resource, cb Callback, deadline time.Time) bool {
	if resource.Kind != Readable && resource.Kind != Writable {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	reg := &registration{resource: resource, callback: cb, deadline: deadline, seq: nextSeq(), heapIdx: -1}
	desc, ok := d.descs[resource.FD]
	if !ok {
		desc = &fdDesc{}
		d.descs[resource.FD] = desc
	}
	if resource.Kind == Readable {
		desc.readers = append(desc.readers, reg)
	} else {
		desc.writers = append(desc.writers, reg)
	}
	if !deadline.IsZero() {
		heap.Push(&d.deadline, reg)
	}
	return true
}

func (d *pollDispatcher) GetTask() (Task, bool) {
	for {
		d.mu.Lock()
		if len(d.immediate) > 0 {
			task := d.immediate[0]
			d.immediate = d.immediate[1:]
			d.mu.Unlock()
			return task, true
		}
		if d.stopped {
			task, ok := d.popAnyForStop()
			d.mu.Unlock()
			if ok {
				return task, true
			}
			return Task{}, false
		}

		pfds := make([]unix.PollFd, 0, len(d.descs)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(d.wr[0]), Events: unix.POLLIN})
		fdOrder := make([]int, 0, len(d.descs))
		for fd, desc := range d.descs {
			var events int16
			if len(desc.readers) > 0 {
				events |= unix.POLLIN
			}
			if len(desc.writers) > 0 {
				events |= unix.POLLOUT
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: events})
			fdOrder = append(fdOrder, fd)
		}
		waitMS := -1
		if len(d.deadline) > 0 {
			until := d.deadline[0].deadline.Sub(time.Now())
			if until <= 0 {
				waitMS = 0
			} else {
				waitMS = int(until.Milliseconds())
				if waitMS == 0 {
					waitMS = 1
				}
			}
		}
		d.mu.Unlock()

		n, err := unix.Poll(pfds, waitMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Task{}, false
		}

		d.mu.Lock()
		if n == 0 {
			if task, ok := d.retireExpired(); ok {
				d.mu.Unlock()
				return task, true
			}
			d.mu.Unlock()
			continue
		}

		var ready *Task
		if pfds[0].Revents != 0 {
			var buf [64]byte
			unix.Read(d.wr[0], buf[:])
		}
		for i, fd := range fdOrder {
			pfd := pfds[i+1]
			if pfd.Revents == 0 {
				continue
			}
			if t, ok := d.consumeReady(fd, pfd.Revents); ok && ready == nil {
				ready = &t
			}
		}
		d.mu.Unlock()
		if ready != nil {
			return *ready, true
		}
	}
}

func (d *pollDispatcher) consumeReady(fd int, revents int16) (Task, bool) {
	desc, ok := d.descs[fd]
	if !ok {
		return Task{}, false
	}
	if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 && len(desc.readers) > 0 {
		reg := desc.readers[0]
		desc.readers = desc.readers[1:]
		d.removeDeadline(reg)
		d.cleanup(fd, desc)
		return Task{Callback: reg.callback, Success: true}, true
	}
	if revents&(unix.POLLOUT|unix.POLLERR) != 0 && len(desc.writers) > 0 {
		reg := desc.writers[0]
		desc.writers = desc.writers[1:]
		d.removeDeadline(reg)
		d.cleanup(fd, desc)
		return Task{Callback: reg.callback, Success: true}, true
	}
	return Task{}, false
}

func (d *pollDispatcher) cleanup(fd int, desc *fdDesc) {
	if len(desc.readers) == 0 && len(desc.writers) == 0 {
		delete(d.descs, fd)
	}
}

func (d *pollDispatcher) retireExpired() (Task, bool) {
	if len(d.deadline) == 0 {
		return Task{}, false
	}
	reg := heap.Pop(&d.deadline).(*registration)
	if desc, ok := d.descs[reg.resource.FD]; ok {
		if reg.resource.Kind == Readable {
			desc.readers = removeReg(desc.readers, reg)
		} else {
			desc.writers = removeReg(desc.writers, reg)
		}
		d.cleanup(reg.resource.FD, desc)
	}
	return Task{Callback: reg.callback, Success: false}, true
}

func (d *pollDispatcher) removeDeadline(reg *registration) {
	if reg.heapIdx >= 0 {
		heap.Remove(&d.deadline, reg.heapIdx)
	}
}

func removeReg(list []*registration, target *registration) []*registration {
	for i, r := range list {
		if r == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

func (d *pollDispatcher) Interrupt() {
	unix.Write(d.wr[1], []byte{0})
}

// StopWait detaches the oldest registration matching resource and
// returns its callback uninvoked. A no-op wake is queued so the task
// count seen by workers still matches the registration count.
func (d *pollDispatcher) StopWait(resource Resource) (Callback, bool) {
	d.mu.Lock()
	desc, ok := d.descs[resource.FD]
	if !ok {
		d.mu.Unlock()
		return nil, false
	}
	var list *[]*registration
	if resource.Kind == Readable {
		list = &desc.readers
	} else {
		list = &desc.writers
	}
	if len(*list) == 0 {
		d.mu.Unlock()
		return nil, false
	}
	reg := (*list)[0]
	*list = (*list)[1:]
	d.removeDeadline(reg)
	d.cleanup(resource.FD, desc)
	d.immediate = append(d.immediate, Task{})
	d.mu.Unlock()
	d.Interrupt()
	return reg.callback, true
}

func (d *pollDispatcher) popAnyForStop() (Task, bool) {
	for fd, desc := range d.descs {
		if len(desc.readers) > 0 {
			reg := desc.readers[0]
			desc.readers = desc.readers[1:]
			d.removeDeadline(reg)
			d.cleanup(fd, desc)
			return Task{Callback: reg.callback, Success: false}, true
		}
		if len(desc.writers) > 0 {
			reg := desc.writers[0]
			desc.writers = desc.writers[1:]
			d.removeDeadline(reg)
			d.cleanup(fd, desc)
			return Task{Callback: reg.callback, Success: false}, true
		}
	}
	if len(d.deadline) > 0 {
		reg := heap.Pop(&d.deadline).(*registration)
		return Task{Callback: reg.callback, Success: false}, true
	}
	return Task{}, false
}

func (d *pollDispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Interrupt()
}
