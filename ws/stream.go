package ws

import (
	"errors"
	"io"

	"github.com/nplex/userver/stream"
)

// ErrConnClosed is returned by ReadFrame once the peer has closed the
// underlying connection without a close frame.
var ErrConnClosed = errors.New("ws: connection closed")

// Stream frames a byte stream as WebSocket messages: one parsed frame
// per ReadFrame, one serialized frame per write. The caller owns its
// lifetime after the handshake; closing it closes the underlying
// stream.
type Stream struct {
	s          *stream.Stream
	parser     Parser
	serializer *Serializer
}

// NewStream wraps an upgraded stream. client selects frame masking on
// the write side (clients mask, servers do not).
func NewStream(s *stream.Stream, client bool) *Stream {
	return &Stream{s: s, serializer: NewSerializer(client)}
}

// ReadFrame blocks until one complete frame is parsed and returns it.
// Bytes past the frame boundary are put back for the next call. Returns
// ErrConnClosed on clean EOF mid-frame-boundary and the underlying
// error otherwise.
func (w *Stream) ReadFrame() (Frame, error) {
	for {
		view, err := w.s.Read()
		if err == io.EOF {
			return Frame{}, ErrConnClosed
		}
		if err != nil {
			return Frame{}, err
		}
		if len(view) == 0 {
			if w.s.Socket().TimedOut() {
				return Frame{}, io.ErrNoProgress
			}
			return Frame{}, ErrConnClosed
		}
		rest, err := w.parser.Parse(view)
		if err != nil {
			return Frame{}, err
		}
		if len(rest) > 0 {
			w.s.PutBack(rest)
		}
		if w.parser.Complete() {
			return w.parser.Frame(), nil
		}
	}
}

// ReadFrameAsync parses one frame without blocking the calling
// goroutine, resubmitting the read until a frame completes.
func (w *Stream) ReadFrameAsync(cb func(f Frame, err error)) {
	w.s.ReadAsync(func(view []byte, err error) {
		if err != nil {
			cb(Frame{}, err)
			return
		}
		if len(view) == 0 {
			if w.s.Socket().TimedOut() {
				cb(Frame{}, io.ErrNoProgress)
			} else {
				cb(Frame{}, ErrConnClosed)
			}
			return
		}
		rest, perr := w.parser.Parse(view)
		if perr != nil {
			cb(Frame{}, perr)
			return
		}
		if len(rest) > 0 {
			w.s.PutBack(rest)
		}
		if w.parser.Complete() {
			cb(w.parser.Frame(), nil)
			return
		}
		w.ReadFrameAsync(cb)
	})
}

// WriteFrame serializes f and writes it to the wire, flushing the
// buffered queue.
func (w *Stream) WriteFrame(f Frame) error {
	wire, err := w.serializer.Frame(f)
	if err != nil {
		return err
	}
	if !w.s.Write(wire) {
		return ErrConnClosed
	}
	return w.flush()
}

// WriteText sends a final text frame carrying payload.
func (w *Stream) WriteText(payload string) error {
	return w.WriteFrame(Frame{Final: true, Opcode: OpText, Payload: []byte(payload)})
}

// WriteBinary sends a final binary frame carrying payload.
func (w *Stream) WriteBinary(payload []byte) error {
	return w.WriteFrame(Frame{Final: true, Opcode: OpBinary, Payload: payload})
}

// Ping sends a ping frame carrying payload.
func (w *Stream) Ping(payload []byte) error {
	return w.WriteFrame(Frame{Final: true, Opcode: OpPing, Payload: payload})
}

// Pong answers a ping, echoing its payload.
func (w *Stream) Pong(payload []byte) error {
	return w.WriteFrame(Frame{Final: true, Opcode: OpPong, Payload: payload})
}

// WriteClose sends a close frame with code and reason.
func (w *Stream) WriteClose(code uint16, reason string) error {
	wire, err := w.serializer.CloseFrame(code, reason)
	if err != nil {
		return err
	}
	if !w.s.Write(wire) {
		return ErrConnClosed
	}
	return w.flush()
}

func (w *Stream) flush() error {
	if !w.s.Flush() {
		return ErrConnClosed
	}
	return nil
}

// Inner returns the underlying stream, e.g. to adjust its timeouts.
func (w *Stream) Inner() *stream.Stream { return w.s }

// Close closes the underlying stream in both directions.
func (w *Stream) Close() error { return w.s.Close() }
