package stream

import (
	"errors"
	"io"
)

// fillByte pads an unwritten write quota on close, keeping fixed-length
// framing intact even when the handler wrote less than it declared.
const fillByte = 0

// LimitedStream caps how many bytes may be read from, and written to,
// an inner *Stream. It does not own or close the inner stream.
type LimitedStream struct {
	inner *Stream

	readRemaining  int64
	writeRemaining int64
	writeErr       error
}

// ErrWriteBeyondLimit is recorded when Write/WriteAsync reject a write
// that would exceed the limit; retrieve it via Err.
var ErrWriteBeyondLimit = errors.New("stream: write beyond limit")

// NewLimitedStream wraps inner, allowing at most readLimit bytes to be
// read and at most writeLimit bytes to be written.
func NewLimitedStream(inner *Stream, readLimit, writeLimit int64) *LimitedStream {
	return &LimitedStream{inner: inner, readRemaining: readLimit, writeRemaining: writeLimit}
}

// Read returns up to readRemaining bytes, then io.EOF. Any bytes the
// inner stream read past the limit are put back onto it.
func (l *LimitedStream) Read() ([]byte, error) {
	if l.readRemaining <= 0 {
		return nil, io.EOF
	}
	view, err := l.inner.Read()
	if err != nil {
		return nil, err
	}
	if len(view) == 0 {
		return nil, nil // timeout
	}
	n := int64(len(view))
	if n > l.readRemaining {
		excess := view[l.readRemaining:]
		l.inner.PutBack(append([]byte(nil), excess...))
		view = view[:l.readRemaining]
		n = l.readRemaining
	}
	l.readRemaining -= n
	return view, nil
}

// ReadAsync is the asynchronous counterpart of Read, decoded via the
// inner stream's provider when one is configured.
func (l *LimitedStream) ReadAsync(cb func(view []byte, err error)) {
	if l.readRemaining <= 0 {
		cb(nil, io.EOF)
		return
	}
	if l.inner.provider == nil {
		cb(l.Read())
		return
	}
	l.inner.ReadAsync(func(view []byte, err error) {
		if err != nil || len(view) == 0 {
			cb(view, err)
			return
		}
		n := int64(len(view))
		if n > l.readRemaining {
			excess := view[l.readRemaining:]
			l.inner.PutBack(append([]byte(nil), excess...))
			view = view[:l.readRemaining]
			n = l.readRemaining
		}
		l.readRemaining -= n
		cb(view, nil)
	})
}

// Write writes data, failing without touching the inner stream if it
// would exceed the write limit (the rejection is recorded for Err).
func (l *LimitedStream) Write(data []byte) bool {
	if int64(len(data)) > l.writeRemaining {
		l.writeErr = ErrWriteBeyondLimit
		return false
	}
	if !l.inner.Write(data) {
		return false
	}
	l.writeRemaining -= int64(len(data))
	return true
}

// WriteAsync is the asynchronous counterpart of Write.
func (l *LimitedStream) WriteAsync(data []byte, cb func(ok bool)) {
	if int64(len(data)) > l.writeRemaining {
		l.writeErr = ErrWriteBeyondLimit
		cb(false)
		return
	}
	l.writeRemaining -= int64(len(data))
	l.inner.WriteAsync(data, cb)
}

// CloseOutput pads any unconsumed write quota with fillByte so
// fixed-length framing is preserved, without closing the inner stream.
func (l *LimitedStream) CloseOutput() error {
	if l.writeRemaining <= 0 {
		return nil
	}
	pad := make([]byte, l.writeRemaining)
	for i := range pad {
		pad[i] = fillByte
	}
	l.writeRemaining = 0
	if !l.inner.Write(pad) {
		return ErrStreamClosed
	}
	return nil
}

// CloseInput drains any unread input quota from the inner stream so a
// caller that closes early does not leave body bytes for the next
// reader to misinterpret as the start of the next message.
func (l *LimitedStream) CloseInput() error {
	for l.readRemaining > 0 {
		view, err := l.inner.Read()
		if err != nil {
			return err
		}
		if len(view) == 0 {
			return nil // timeout; give up draining rather than block forever
		}
		n := int64(len(view))
		if n > l.readRemaining {
			excess := view[l.readRemaining:]
			l.inner.PutBack(append([]byte(nil), excess...))
			n = l.readRemaining
		}
		l.readRemaining -= n
	}
	return nil
}

// Err reports why the write side failed: ErrWriteBeyondLimit after a
// rejected over-limit write, nil otherwise.
func (l *LimitedStream) Err() error { return l.writeErr }

// Inner returns the wrapped stream.
func (l *LimitedStream) Inner() *Stream { return l.inner }
