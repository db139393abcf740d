//go:build linux

package aio

import (
	"container/heap"
	"encoding/binary"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollDispatcher drives epoll with one-shot interest per fd: a per-fd
// map of pending registrations, and a global deadline heap for
// computing the next poll timeout. Each readiness event retires exactly
// one registration; the fd is rearmed with whatever remains.
type epollDispatcher struct {
	epfd int
	wfd  int // eventfd used to interrupt a blocked epoll_wait

	mu        sync.Mutex
	descs     map[int]*fdDesc
	deadline  deadlineHeap
	immediate []Task // no-op wakes owed after StopWait cancellations
	stopped   bool
}

type fdDesc struct {
	readers []*registration
	writers []*registration
	armed   uint32 // currently armed epoll event mask
}

// NewEpollDispatcher constructs a linux epoll-backed Dispatcher.
func NewEpollDispatcher() (Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	d := &epollDispatcher{epfd: epfd, wfd: wfd, descs: make(map[int]*fdDesc)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wfd, &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}); err != nil {
		unix.Close(wfd)
		unix.Close(epfd)
		return nil, err
	}
	return d, nil
}

func (d *epollDispatcher) WaitAsync(resource Resource, cb Callback, deadline time.Time) bool {
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
	d.rearm(resource.FD, desc)
	return true
}

// rearm recomputes the union of interested events for fd and re-applies
// a one-shot epoll interest for it.
func (d *epollDispatcher) rearm(fd int, desc *fdDesc) {
	var events uint32
	if len(desc.readers) > 0 {
		events |= unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP
	}
	if len(desc.writers) > 0 {
		events |= unix.EPOLLOUT | unix.EPOLLERR
	}
	if events == 0 {
		if desc.armed != 0 {
			unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			desc.armed = 0
		}
		delete(d.descs, fd)
		return
	}
	events |= unix.EPOLLONESHOT
	ev := &unix.EpollEvent{Events: events, Fd: int32(fd)}
	if desc.armed == 0 {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, ev)
	} else {
		unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, fd, ev)
	}
	desc.armed = events
}

// GetTask blocks in epoll_wait until a registration is ready, times out,
// or the dispatcher is interrupted/stopped.
func (d *epollDispatcher) GetTask() (Task, bool) {
	for {
		d.mu.Lock()
		if len(d.immediate) > 0 {
			task := d.immediate[0]
			d.immediate = d.immediate[1:]
			d.mu.Unlock()
			return task, true
		}
		if d.stopped && len(d.descs) == 0 && len(d.deadline) == 0 {
			d.mu.Unlock()
			return Task{}, false
		}
		if d.stopped {
			task, ok := d.popAnyForStop()
			d.mu.Unlock()
			if ok {
				return task, true
			}
			return Task{}, false
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

		var events [64]unix.EpollEvent
		n, err := unix.EpollWait(d.epfd, events[:], waitMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return Task{}, false
		}

		d.mu.Lock()
		if n == 0 {
			// timed out: retire the earliest-deadline registration, if any.
			if task, ok := d.retireExpired(); ok {
				d.mu.Unlock()
				return task, true
			}
			d.mu.Unlock()
			continue
		}

		var ready *Task
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == d.wfd {
				var buf [8]byte
				unix.Read(d.wfd, buf[:])
				continue
			}
			if t, ok := d.consumeReady(int(ev.Fd), ev.Events); ok && ready == nil {
				ready = &t
			}
		}
		d.mu.Unlock()
		if ready != nil {
			return *ready, true
		}
		// woke only for interrupt/self-pipe drain; poll again.
	}
}

// consumeReady detaches and returns the first matching registration for
// fd given the fired event mask, then rearms fd with what remains.
func (d *epollDispatcher) consumeReady(fd int, events uint32) (Task, bool) {
	desc, ok := d.descs[fd]
	if !ok {
		return Task{}, false
	}
	var task Task
	found := false
	if events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 && len(desc.readers) > 0 {
		reg := desc.readers[0]
		desc.readers = desc.readers[1:]
		d.removeDeadline(reg)
		task, found = Task{Callback: reg.callback, Success: true}, true
	} else if events&(unix.EPOLLOUT|unix.EPOLLERR) != 0 && len(desc.writers) > 0 {
		reg := desc.writers[0]
		desc.writers = desc.writers[1:]
		d.removeDeadline(reg)
		task, found = Task{Callback: reg.callback, Success: true}, true
	}
	d.rearm(fd, desc)
	return task, found
}

// retireExpired finds the fd with the earliest deadline and detaches its
// soonest-expiring registration, reporting failure.
func (d *epollDispatcher) retireExpired() (Task, bool) {
	if len(d.deadline) == 0 {
		return Task{}, false
	}
	reg := heap.Pop(&d.deadline).(*registration)
	desc, ok := d.descs[reg.resource.FD]
	if !ok {
		return Task{Callback: reg.callback, Success: false}, true
	}
	if reg.resource.Kind == Readable {
		desc.readers = removeReg(desc.readers, reg)
	} else {
		desc.writers = removeReg(desc.writers, reg)
	}
	d.rearm(reg.resource.FD, desc)
	return Task{Callback: reg.callback, Success: false}, true
}

func (d *epollDispatcher) removeDeadline(reg *registration) {
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

func (d *epollDispatcher) Interrupt() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(d.wfd, buf[:])
}

// StopWait detaches the oldest registration matching resource and
// returns its callback uninvoked. A no-op wake is queued so the task
// count seen by workers still matches the registration count.
func (d *epollDispatcher) StopWait(resource Resource) (Callback, bool) {
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
	d.rearm(resource.FD, desc)
	d.immediate = append(d.immediate, Task{})
	d.mu.Unlock()
	d.Interrupt()
	return reg.callback, true
}

func (d *epollDispatcher) popAnyForStop() (Task, bool) {
	for fd, desc := range d.descs {
		if len(desc.readers) > 0 {
			reg := desc.readers[0]
			desc.readers = desc.readers[1:]
			d.removeDeadline(reg)
			if len(desc.readers) == 0 && len(desc.writers) == 0 {
				delete(d.descs, fd)
			}
			return Task{Callback: reg.callback, Success: false}, true
		}
		if len(desc.writers) > 0 {
			reg := desc.writers[0]
			desc.writers = desc.writers[1:]
			d.removeDeadline(reg)
			if len(desc.readers) == 0 && len(desc.writers) == 0 {
				delete(d.descs, fd)
			}
			return Task{Callback: reg.callback, Success: false}, true
		}
	}
	if len(d.deadline) > 0 {
		reg := heap.Pop(&d.deadline).(*registration)
		return Task{Callback: reg.callback, Success: false}, true
	}
	return Task{}, false
}

func (d *epollDispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.Interrupt()
}
