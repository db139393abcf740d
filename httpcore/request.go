package httpcore

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nplex/userver/stream"
)

// Body is satisfied by a plain *stream.Stream and by either stream
// filter, letting handlers read a request body without caring which
// framing the wire used.
type Body interface {
	Read() ([]byte, error)
	ReadAsync(cb func(view []byte, err error))
}

// BodyWriter is satisfied by a plain *stream.Stream and by either
// stream filter, letting Response.Send return whichever body-encoding
// writer the status/headers selected.
type BodyWriter interface {
	Write(p []byte) bool
	WriteAsync(data []byte, cb func(ok bool))
	CloseOutput() error
}

// Request represents one HTTP request/response exchange on a
// connection: parsed request line and headers, plus the response
// builder state a handler fills in before calling Send. A connection
// that stays alive for keep-alive reuses a fresh Request sharing the
// prior one's byte buffers (see reuse). Parsing lives in request.go and
// response composition in response.go; same type, split by concern.
type Request struct {
	Method  string
	Target  string
	Path    string
	Query   string
	Version string
	Header  Header

	stream  *stream.Stream
	logger  *slog.Logger
	headers []byte // accumulator reused across keep-alive requests

	valid           bool
	headerComplete  bool // a full CRLF-CRLF header block was read
	hasBody         bool
	bodyConsumed    bool
	enableKeepAlive bool
	continueSent    bool
	detached        bool

	statusCode      int
	statusMessage   string
	respHeader      Header
	hasContentType  bool
	hasContentLen   bool
	hasTransferEnc  bool
	hasChunked      bool
	hasConnection   bool
	hasDate         bool
	hasLastModified bool
	contentLength   int64
	responseSent    bool
}

// newRequest allocates a Request bound to s. The logger may be nil.
func newRequest(s *stream.Stream, logger *slog.Logger) *Request {
	return &Request{stream: s, logger: logger, statusCode: 200}
}

// reuse resets r for a new request on the same connection, keeping the
// byte buffer backing the header accumulator to avoid reallocating it.
func (r *Request) reuse(from *Request) {
	r.headers = from.headers[:0]
}

// Init synchronously parses the request line and headers from the
// stream. It returns false if the peer closed before a full header
// block arrived.
func (r *Request) Init() bool {
	raw, err := r.readHeaderBlockSync()
	if err != nil {
		r.valid = false
		return false
	}
	r.headerComplete = true
	r.valid = r.parse(raw) && r.processHeaders()
	return r.valid
}

// InitAsync is the asynchronous counterpart of Init.
func (r *Request) InitAsync(cb func(ok bool)) {
	r.readHeaderBlockAsync(func(raw []byte, err error) {
		if err != nil {
			r.valid = false
			cb(false)
			return
		}
		r.headerComplete = true
		r.valid = r.parse(raw) && r.processHeaders()
		cb(r.valid)
	})
}

func (r *Request) readHeaderBlockSync() ([]byte, error) {
	st := headerScanState{acc: r.headers}
	for {
		view, err := r.stream.Read()
		if err != nil {
			return nil, err
		}
		if len(view) == 0 {
			if r.stream.Socket().TimedOut() {
				return nil, errHeaderTimeout
			}
			return nil, io.EOF
		}
		rest, done := st.feed(view)
		if done {
			if len(rest) > 0 {
				r.stream.PutBack(append([]byte(nil), rest...))
			}
			r.headers = st.acc
			return st.acc, nil
		}
	}
}

func (r *Request) readHeaderBlockAsync(cb func(raw []byte, err error)) {
	st := headerScanState{acc: r.headers}
	var step func()
	step = func() {
		r.stream.ReadAsync(func(view []byte, err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			if len(view) == 0 {
				if r.stream.Socket().TimedOut() {
					cb(nil, errHeaderTimeout)
					return
				}
				cb(nil, io.EOF)
				return
			}
			rest, done := st.feed(view)
			if done {
				if len(rest) > 0 {
					r.stream.PutBack(append([]byte(nil), rest...))
				}
				r.headers = st.acc
				cb(st.acc, nil)
				return
			}
			step()
		})
	}
	step()
}

var errHeaderTimeout = errors.New("httpcore: timed out reading request headers")

func (r *Request) parse(raw []byte) bool {
	line, rest := splitLine(raw)
	if !r.parseRequestLine(line) {
		return false
	}
	r.parseHeaderLines(rest)
	return true
}

func (r *Request) parseRequestLine(line []byte) bool {
	s := string(line)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 < 0 {
		return false
	}
	sp2 := strings.IndexByte(s[sp1+1:], ' ')
	if sp2 < 0 {
		return false
	}
	sp2 += sp1 + 1

	r.Method = upperASCII(s[:sp1])
	r.Target = s[sp1+1 : sp2]
	r.Version = upperASCII(s[sp2+1:])

	if q := strings.IndexByte(r.Target, '?'); q >= 0 {
		r.Path = r.Target[:q]
		r.Query = r.Target[q+1:]
	} else {
		r.Path = r.Target
	}
	return true
}

func (r *Request) parseHeaderLines(data []byte) {
	for len(data) > 0 {
		var line []byte
		line, data = splitLine(data)
		if len(line) == 0 {
			continue
		}
		colon := strings.IndexByte(string(line), ':')
		if colon < 0 {
			continue
		}
		key := strings.TrimSpace(string(line[:colon]))
		value := strings.TrimSpace(string(line[colon+1:]))
		r.Header.Add(key, value)
	}
}

func splitLine(data []byte) (line, rest []byte) {
	if idx := indexCRLF(data); idx >= 0 {
		return data[:idx], data[idx+2:]
	}
	return data, nil
}

// processHeaders validates Transfer-Encoding/Content-Length/Expect and
// decides hasBody and keep-alive.
func (r *Request) processHeaders() bool {
	te, _ := r.Header.Get("Transfer-Encoding")
	cl, hasCL := r.Header.Get("Content-Length")

	if te != "" && !strings.EqualFold(te, "chunked") && !hasCL {
		r.sendErrorPage(411)
		return false
	}
	r.hasBody = strings.EqualFold(te, "chunked") || (hasCL && cl != "0")

	conn, _ := r.Header.Get("Connection")
	if r.Version == "HTTP/1.1" {
		r.enableKeepAlive = !strings.EqualFold(conn, "close")
	} else {
		r.enableKeepAlive = strings.EqualFold(conn, "keep-alive")
	}

	if expect, ok := r.Header.Get("Expect"); ok && !strings.EqualFold(expect, "100-continue") {
		r.sendErrorPage(417)
		return false
	}
	return true
}

// Stream returns the connection stream behind this request.
func (r *Request) Stream() *stream.Stream { return r.stream }

// Detach hands the connection stream over to the caller, e.g. after a
// 101 upgrade. The server loop neither reuses nor closes a detached
// stream; the caller owns it from here on.
func (r *Request) Detach() *stream.Stream {
	r.detached = true
	return r.stream
}

// Detached reports whether a handler took ownership of the stream.
func (r *Request) Detached() bool { return r.detached }

// KeepAlive reports whether the connection should be reused for another
// request after this response is flushed.
func (r *Request) KeepAlive() bool { return r.enableKeepAlive }

// Valid reports whether parsing succeeded.
func (r *Request) Valid() bool { return r.valid }

// ContentLength returns the request's Content-Length, or -1 if absent
// or malformed.
func (r *Request) ContentLength() int64 {
	v, ok := r.Header.Get("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// Body selects and returns the request body stream: chunked if
// Transfer-Encoding says so, length-limited if Content-Length is
// present, otherwise empty. Emits
// the 100-continue status line first if the request carried
// `Expect: 100-continue`. Calling Body more than once returns the same
// empty-after-first-call behavior as the underlying stream running dry.
func (r *Request) Body() Body {
	if !r.hasBody || r.bodyConsumed {
		return stream.NewLimitedStream(r.stream, 0, 0)
	}
	r.bodyConsumed = true
	r.maybeSendContinue()

	te, _ := r.Header.Get("Transfer-Encoding")
	if strings.EqualFold(te, "chunked") {
		return stream.NewChunkedStream(r.stream)
	}
	return stream.NewLimitedStream(r.stream, r.ContentLength(), 0)
}

func (r *Request) maybeSendContinue() {
	if r.continueSent {
		return
	}
	if expect, ok := r.Header.Get("Expect"); ok && strings.EqualFold(expect, "100-continue") {
		r.stream.Write([]byte(r.Version + " 100 Continue\r\n\r\n"))
		r.stream.Flush()
	}
	r.continueSent = true
}
