package stream

import (
	"errors"
	"io"
	"strconv"
)

// ChunkedStream frames reads and writes as HTTP/1.1 chunked transfer
// coding atop an inner *Stream. It does not own or close the inner
// stream.
type ChunkedStream struct {
	inner *Stream

	headerBuf       []byte
	chunkRemaining  int64
	needTrailerCRLF bool
	finished        bool
}

// ErrChunkFraming is returned when the inner stream produces bytes that
// do not parse as a valid chunk header.
var ErrChunkFraming = errors.New("stream: malformed chunk header")

// NewChunkedStream wraps inner for chunked-transfer-coded reads and
// writes.
func NewChunkedStream(inner *Stream) *ChunkedStream {
	return &ChunkedStream{inner: inner}
}

// Read returns up to one chunk's worth of decoded body bytes. A
// size-zero chunk header ends the body: Read then returns io.EOF and
// any bytes following the terminator stay buffered on the inner stream
// for whatever reads it next.
func (c *ChunkedStream) Read() ([]byte, error) {
	if c.finished {
		return nil, io.EOF
	}
	if c.needTrailerCRLF {
		if err := c.consumeTrailerCRLF(); err != nil {
			return nil, err
		}
		c.needTrailerCRLF = false
	}
	if c.chunkRemaining == 0 {
		size, err := c.readChunkHeader()
		if err != nil {
			return nil, err
		}
		if size == 0 {
			c.finished = true
			// a zero chunk is immediately followed by its own trailing
			// CRLF; consume it now so leftover bytes put back onto the
			// inner stream are exactly the next request, not the CRLF.
			if err := c.consumeTrailerCRLF(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		c.chunkRemaining = size
	}

	view, err := c.inner.Read()
	if err != nil {
		return nil, err
	}
	if len(view) == 0 {
		return nil, nil // timeout; caller checks inner.Socket().TimedOut()
	}

	n := int64(len(view))
	if n > c.chunkRemaining {
		excess := view[c.chunkRemaining:]
		c.inner.PutBack(append([]byte(nil), excess...))
		view = view[:c.chunkRemaining]
		n = c.chunkRemaining
	}
	c.chunkRemaining -= n
	if c.chunkRemaining == 0 {
		c.needTrailerCRLF = true
	}
	return view, nil
}

// ReadAsync decodes one chunk asynchronously. The decode work (header
// parsing plus the inner read) runs as a provider action so the
// calling goroutine never blocks on socket I/O.
func (c *ChunkedStream) ReadAsync(cb func(view []byte, err error)) {
	if c.inner.provider == nil {
		view, err := c.Read()
		cb(view, err)
		return
	}
	c.inner.provider.RunAsyncAction(func() {
		view, err := c.Read()
		cb(view, err)
	})
}

// readChunkHeader accumulates bytes from inner until a CRLF-terminated
// hex size line is found, putting back whatever followed it.
func (c *ChunkedStream) readChunkHeader() (int64, error) {
	for {
		if idx := indexCRLF(c.headerBuf); idx >= 0 {
			line := c.headerBuf[:idx]
			rest := c.headerBuf[idx+2:]
			c.headerBuf = nil
			if len(rest) > 0 {
				c.inner.PutBack(append([]byte(nil), rest...))
			}
			return parseChunkSize(line)
		}
		view, err := c.inner.Read()
		if err != nil {
			return 0, err
		}
		if len(view) == 0 {
			return 0, io.ErrUnexpectedEOF
		}
		c.headerBuf = append(c.headerBuf, view...)
	}
}

// consumeTrailerCRLF reads and discards exactly the two bytes following
// a chunk's data (or the zero-chunk header), putting back anything read
// past them.
func (c *ChunkedStream) consumeTrailerCRLF() error {
	for len(c.headerBuf) < 2 {
		view, err := c.inner.Read()
		if err != nil {
			return err
		}
		if len(view) == 0 {
			return io.ErrUnexpectedEOF
		}
		c.headerBuf = append(c.headerBuf, view...)
	}
	if c.headerBuf[0] != '\r' || c.headerBuf[1] != '\n' {
		return ErrChunkFraming
	}
	rest := c.headerBuf[2:]
	c.headerBuf = nil
	if len(rest) > 0 {
		c.inner.PutBack(append([]byte(nil), rest...))
	}
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	// ignore chunk extensions (";name=value") per RFC 7230 §4.1.1.
	if semi := indexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	if len(line) == 0 {
		return 0, ErrChunkFraming
	}
	n, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || n < 0 {
		return 0, ErrChunkFraming
	}
	return n, nil
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// Write frames data as one chunk: "<hex-size>\r\n<data>\r\n".
func (c *ChunkedStream) Write(data []byte) bool {
	if len(data) == 0 {
		return true
	}
	header := strconv.FormatInt(int64(len(data)), 16) + "\r\n"
	if !c.inner.Write([]byte(header)) {
		return false
	}
	if !c.inner.Write(data) {
		return false
	}
	return c.inner.Write([]byte("\r\n"))
}

// WriteAsync frames and queues data as one chunk via the inner stream's
// buffered write queue, preserving FIFO ordering with any other queued
// writer on the same inner stream.
func (c *ChunkedStream) WriteAsync(data []byte, cb func(ok bool)) {
	if len(data) == 0 {
		cb(true)
		return
	}
	header := []byte(strconv.FormatInt(int64(len(data)), 16) + "\r\n")
	framed := make([]byte, 0, len(header)+len(data)+2)
	framed = append(framed, header...)
	framed = append(framed, data...)
	framed = append(framed, '\r', '\n')
	c.inner.WriteAsync(framed, cb)
}

// CloseOutput emits the terminating "0\r\n\r\n" chunk without closing
// the inner stream. It keeps no closed state: a later Write still emits
// a chunk.
func (c *ChunkedStream) CloseOutput() error {
	if !c.inner.Write([]byte("0\r\n\r\n")) {
		return ErrStreamClosed
	}
	return nil
}

// Inner returns the wrapped stream.
func (c *ChunkedStream) Inner() *Stream { return c.inner }
