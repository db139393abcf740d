// Package stream implements a buffered, timeout-aware byte stream over
// any socket-like object, plus the ChunkedStream/LimitedStream wrappers
// HTTP body framing needs.
//
// Reads return views into an internal growth buffer; writes from
// multiple goroutines funnel through a mutex-protected FIFO so each
// caller's bytes reach the wire contiguously and in submission order.
package stream

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/nplex/userver/aio"
	"github.com/nplex/userver/netsock"
)

var (
	// ErrReadInProgress / ErrWriteInProgress flag a violation of the
	// single-reader/single-writer invariant. They only surface in builds
	// tagged "debug"; see debug.go.
	ErrReadInProgress  = errors.New("stream: read already in progress")
	ErrWriteInProgress = errors.New("stream: write already in progress")
	// ErrStreamClosed is returned by operations attempted after Close.
	ErrStreamClosed = errors.New("stream: use of closed stream")
)

const (
	initialBufferSize = 4096
	maxBufferSize     = 1 << 20
	growthFactor      = 1.5
)

// Stream wraps a *netsock.Socket with a growable read buffer, a
// put-back slot, and a buffered write queue (so concurrent WriteAsync
// calls from multiple goroutines queue in submission order and each
// caller's callback fires only once its bytes are on the wire).
type Stream struct {
	sock *netsock.Socket

	buf      []byte // growth buffer, reused across reads
	putBack  []byte // pending put-back view, consumed by next read
	readBusy atomicBool

	writeMu    sync.Mutex
	writeQueue []writeJob
	flushing   bool
	writeErr   error
	writeBusy  atomicBool

	inputClosed  atomicBool
	outputClosed atomicBool

	provider *aio.Provider
}

type writeJob struct {
	data   []byte
	marker bool // true for Flush's rendezvous job: skips the socket write
	cb     func(ok bool)
}

// New wraps sock in a Stream. provider may be nil if only synchronous
// operations will be used.
func New(sock *netsock.Socket, provider *aio.Provider) *Stream {
	return &Stream{sock: sock, buf: make([]byte, initialBufferSize), provider: provider}
}

// Socket returns the underlying socket primitive.
func (s *Stream) Socket() *netsock.Socket { return s.sock }

// PutBack stores view to be returned verbatim by the next Read/ReadAsync
// call without touching the OS. The caller guarantees view outlives one
// read cycle.
func (s *Stream) PutBack(view []byte) {
	s.putBack = view
}

// ReadNonBlocking returns any put-back data immediately, or an empty
// slice; it never performs an OS call.
func (s *Stream) ReadNonBlocking() []byte {
	if len(s.putBack) == 0 {
		return nil
	}
	view := s.putBack
	s.putBack = nil
	return view
}

// Read performs a synchronous read, returning a view into the internal
// growth buffer valid until the next read. A timeout yields an empty
// view with err == nil and Socket().TimedOut() set; EOF and connection
// errors come back as err.
func (s *Stream) Read() ([]byte, error) {
	if s.inputClosed.Load() {
		return nil, ErrStreamClosed
	}
	if view := s.ReadNonBlocking(); view != nil {
		return view, nil
	}
	assertNotBusy(&s.readBusy, ErrReadInProgress)
	s.readBusy.Store(true)
	defer s.readBusy.Store(false)

	n, err := s.sock.Read(s.buf)
	if err != nil {
		return nil, err
	}
	s.maybeGrow(n)
	return s.buf[:n], nil
}

// maybeGrow implements the ×1.5 growth heuristic: a read that filled the
// buffer to capacity suggests the peer has more queued, so the next read
// gets a bigger buffer, capped at maxBufferSize.
func (s *Stream) maybeGrow(n int) {
	if n == len(s.buf) && len(s.buf) < maxBufferSize {
		next := int(float64(len(s.buf)) * growthFactor)
		if next > maxBufferSize {
			next = maxBufferSize
		}
		s.buf = make([]byte, next)
	}
}

// ReadAsync fills the growth buffer via the provider and invokes cb
// with the resulting view. Timeout and cancellation both deliver a nil
// view with err == nil; an async wait that expires does not set
// Socket().TimedOut(), so the callback cannot tell the two apart. EOF
// and connection errors arrive as err, matching Read's synchronous
// contract.
func (s *Stream) ReadAsync(cb func(view []byte, err error)) {
	if s.inputClosed.Load() {
		cb(nil, ErrStreamClosed)
		return
	}
	if view := s.ReadNonBlocking(); view != nil {
		cb(view, nil)
		return
	}
	assertNotBusy(&s.readBusy, ErrReadInProgress)
	s.readBusy.Store(true)

	s.submitReadWait(cb)
}

func (s *Stream) submitReadWait(cb func(view []byte, err error)) {
	fd, deadline := s.waitParams()
	err := s.provider.RunAsyncWait(aio.ReadableFD(fd), func(success bool) {
		s.readBusy.Store(false)
		if !success {
			cb(nil, nil) // cancelled or timed out; TimedOut() is not set here
			return
		}
		n, err := s.sock.Read(s.buf)
		if err != nil {
			cb(nil, err)
			return
		}
		s.maybeGrow(n)
		cb(s.buf[:n], nil)
	}, deadline)
	if err != nil {
		s.readBusy.Store(false)
		cb(nil, err)
	}
}

// TimeoutAsyncRead shortens the read timeout to zero and retires any
// pending async read wait with success=false.
func (s *Stream) TimeoutAsyncRead() {
	s.sock.SetReadTimeout(0)
	s.cancelPendingRead()
}

// TimeoutAsyncWrite shortens the write timeout to zero, so the drain
// loop's next socket write fails and queued write callbacks retire with
// ok=false.
func (s *Stream) TimeoutAsyncWrite() {
	s.sock.SetWriteTimeout(0)
}

// cancelPendingRead asks the provider to retire an in-flight read wait,
// invoking its callback with success=false.
func (s *Stream) cancelPendingRead() {
	if s.provider == nil || !s.readBusy.Load() {
		return
	}
	fd, ok := socketFD(s.sock.Conn())
	if !ok {
		return
	}
	if cb, found := s.provider.StopWait(aio.ReadableFD(fd)); found {
		cb(false)
	}
}

// Write performs a synchronous write, looping on short writes. Returns
// false on any error; the error is sticky via Socket().
func (s *Stream) Write(p []byte) bool {
	if s.outputClosed.Load() {
		return false
	}
	assertNotBusy(&s.writeBusy, ErrWriteInProgress)
	s.writeBusy.Store(true)
	defer s.writeBusy.Store(false)

	for len(p) > 0 {
		n, err := s.sock.Write(p)
		if err != nil {
			return false
		}
		if n == 0 {
			// timed out with no progress; the sticky flag is set on the
			// socket for the caller to inspect.
			return false
		}
		p = p[n:]
	}
	return true
}

// WriteAsync queues data for the buffered write queue and invokes cb
// once those bytes are on the wire. Concurrent WriteAsync calls from
// multiple goroutines are served in submission order, never
// interleaved. A zero-length write completes immediately without
// touching the socket.
func (s *Stream) WriteAsync(data []byte, cb func(ok bool)) {
	if len(data) == 0 {
		cb(true)
		return
	}

	s.writeMu.Lock()
	if s.writeErr != nil {
		s.writeMu.Unlock()
		cb(false)
		return
	}
	s.writeQueue = append(s.writeQueue, writeJob{data: data, cb: cb})
	starter := !s.flushing
	if starter {
		s.flushing = true
	}
	s.writeMu.Unlock()

	if starter {
		s.scheduleDrain()
	}
}

// scheduleDrain hands the actual blocking write(s) off to a provider
// worker when one is configured, so the calling goroutine never blocks
// on the socket. Without a provider (e.g. in unit tests exercising only
// the queue's ordering guarantees) it runs inline.
func (s *Stream) scheduleDrain() {
	if s.provider != nil {
		if err := s.provider.RunAsyncAction(s.drainQueue); err == nil {
			return
		}
	}
	s.drainQueue()
}

// drainQueue writes queued jobs one at a time, in FIFO order, until the
// queue empties or an error places the stream in permanent error state.
func (s *Stream) drainQueue() {
	for {
		s.writeMu.Lock()
		if len(s.writeQueue) == 0 {
			s.flushing = false
			s.writeMu.Unlock()
			return
		}
		job := s.writeQueue[0]
		s.writeQueue = s.writeQueue[1:]
		s.writeMu.Unlock()

		if job.marker {
			job.cb(true)
			continue
		}

		ok := s.Write(job.data)
		if !ok {
			s.writeMu.Lock()
			s.writeErr = errors.New("stream: write error")
			failed := s.writeQueue
			s.writeQueue = nil
			s.flushing = false
			s.writeMu.Unlock()

			job.cb(false)
			for _, j := range failed {
				j.cb(false)
			}
			return
		}
		job.cb(true)
	}
}

// Flush blocks until every write queued so far (by this or other
// goroutines) has been written to the socket.
func (s *Stream) Flush() bool {
	done := make(chan bool, 1)
	s.enqueue(writeJob{marker: true, cb: func(ok bool) { done <- ok }})
	return <-done
}

// enqueue appends job to the write queue, starting the drain loop if it
// is currently idle. Unlike the public WriteAsync, it never takes the
// zero-length fast path, so a marker job can be used as a rendezvous
// point behind whatever real writes are already queued.
func (s *Stream) enqueue(job writeJob) {
	s.writeMu.Lock()
	if s.writeErr != nil {
		s.writeMu.Unlock()
		job.cb(false)
		return
	}
	s.writeQueue = append(s.writeQueue, job)
	starter := !s.flushing
	if starter {
		s.flushing = true
	}
	s.writeMu.Unlock()

	if starter {
		s.scheduleDrain()
	}
}

// CloseInput closes the read half. Idempotent; cancels any pending async
// read with success=false.
func (s *Stream) CloseInput() error {
	if !s.inputClosed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancelPendingRead()
	return nil
}

// CloseOutput flushes the buffered write queue, then closes the write
// half. Idempotent.
func (s *Stream) CloseOutput() error {
	if s.outputClosed.Load() {
		return nil
	}
	s.Flush()
	s.outputClosed.Store(true)
	return nil
}

// Close closes both directions and the underlying socket.
func (s *Stream) Close() error {
	s.CloseInput()
	s.CloseOutput()
	return s.sock.Close()
}

// --- helpers -----------------------------------------------------------

// waitParams extracts the raw descriptor behind the stream's socket
// (required to register an aio.Resource) and the absolute read deadline
// to wait until.
func (s *Stream) waitParams() (fd int, deadline time.Time) {
	fd, _ = socketFD(s.sock.Conn())
	deadline = s.sock.ReadDeadline()
	return fd, deadline
}

// socketFD extracts the OS descriptor behind a net.Conn that supports
// syscall.Conn (*net.TCPConn, *net.UnixConn, ...). ok is false for
// connections with no raw descriptor (e.g. net.Pipe, used by tests).
func socketFD(conn any) (fd int, ok bool) {
	sc, isConn := conn.(syscall.Conn)
	if !isConn {
		return -1, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, false
	}
	ctrlErr := raw.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return -1, false
	}
	return fd, true
}
