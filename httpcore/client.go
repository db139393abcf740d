package httpcore

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/nplex/userver/aio"
	"github.com/nplex/userver/netaddr"
	"github.com/nplex/userver/netsock"
	"github.com/nplex/userver/stream"
)

// coalesceThreshold/coalesceFlushSize bound the small-body staging
// buffer: writes smaller than the threshold accumulate in a buffer
// that is flushed once it reaches the flush size or CloseOutput runs,
// rather than issuing one syscall per small write.
const (
	coalesceThreshold = 1024
	coalesceFlushSize = 4096
)

// coalescingWriter wraps a BodyWriter, batching sub-threshold writes.
type coalescingWriter struct {
	inner BodyWriter
	buf   []byte
}

func (w *coalescingWriter) Write(p []byte) bool {
	if len(p) >= coalesceThreshold {
		if !w.flushSync() {
			return false
		}
		return w.inner.Write(p)
	}
	w.buf = append(w.buf, p...)
	if len(w.buf) >= coalesceFlushSize {
		return w.flushSync()
	}
	return true
}

func (w *coalescingWriter) flushSync() bool {
	if len(w.buf) == 0 {
		return true
	}
	ok := w.inner.Write(w.buf)
	w.buf = w.buf[:0]
	return ok
}

func (w *coalescingWriter) WriteAsync(data []byte, cb func(ok bool)) {
	if len(data) >= coalesceThreshold {
		if len(w.buf) == 0 {
			w.inner.WriteAsync(data, cb)
			return
		}
		pending := append([]byte(nil), w.buf...)
		w.buf = w.buf[:0]
		w.inner.WriteAsync(pending, func(ok bool) {
			if !ok {
				cb(false)
				return
			}
			w.inner.WriteAsync(data, cb)
		})
		return
	}
	w.buf = append(w.buf, data...)
	if len(w.buf) >= coalesceFlushSize {
		pending := append([]byte(nil), w.buf...)
		w.buf = w.buf[:0]
		w.inner.WriteAsync(pending, cb)
		return
	}
	cb(true)
}

func (w *coalescingWriter) CloseOutput() error {
	if !w.flushSync() {
		return stream.ErrStreamClosed
	}
	return w.inner.CloseOutput()
}

// ClientRequest builds one HTTP request directly into a stream (no
// full-buffer staging except small coalesced body chunks) and parses
// the matching response.
type ClientRequest struct {
	stream *stream.Stream

	headerSent        bool
	hasTE             bool
	hasTEChunked      bool
	hasSendContentLen bool
	sendContentLen    int64
	headMethod        bool

	Status         int
	StatusMessage  string
	Protocol       string
	ResponseHeader Header

	body BodyWriter
}

// ErrInvalidResponse is returned when the peer's reply does not parse
// as a status line plus headers.
var ErrInvalidResponse = errors.New("httpcore: invalid response")

// NewClientRequest wraps s for one request/response exchange. s may be
// reused for a following request once this one's response body is
// fully drained.
func NewClientRequest(s *stream.Stream) *ClientRequest {
	return &ClientRequest{stream: s}
}

// Open opens method/host/path (the connection must already exist) and
// writes the request line plus the Host header.
func (c *ClientRequest) Open(method, host, path string) {
	c.hasTE = false
	c.hasTEChunked = false
	c.hasSendContentLen = false
	c.headerSent = false
	c.headMethod = strings.EqualFold(method, "HEAD")

	c.stream.Write([]byte(method + " " + path + " HTTP/1.1\r\n"))
	c.AddHeader("Host", host)
}

// Dial resolves url (host and optional port, scheme ignored beyond
// defaulting the port) via netaddr, connects, and opens method against
// its path. provider may be nil.
func Dial(provider *aio.Provider, method, rawurl string) (*ClientRequest, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, err
	}
	host := u.Host
	if u.Port() == "" {
		if u.Scheme == "https" {
			host += ":443"
		} else {
			host += ":80"
		}
	}
	eps, err := netaddr.ParseSpecList(host)
	if err != nil {
		return nil, err
	}
	conn, err := netaddr.Dial(eps)
	if err != nil {
		return nil, err
	}
	s := stream.New(netsock.New(conn), provider)
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	c := NewClientRequest(s)
	c.Open(method, u.Host, path)
	return c, nil
}

// AddHeader adds a request header, tracking Content-Length and
// Transfer-Encoding the way Open/BeginBody need.
func (c *ClientRequest) AddHeader(key, value string) {
	if strings.EqualFold(key, "Content-Length") {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			c.sendContentLen = n
			c.hasSendContentLen = true
		}
	}
	if strings.EqualFold(key, "Transfer-Encoding") {
		c.hasTE = true
		c.hasTEChunked = strings.EqualFold(value, "chunked")
	}
	c.stream.Write([]byte(key + ": " + value + "\r\n"))
}

// SetContentLength is shorthand for AddHeader("Content-Length", n).
func (c *ClientRequest) SetContentLength(n int64) {
	c.AddHeader("Content-Length", strconv.FormatInt(n, 10))
}

// SetContentType is shorthand for AddHeader("Content-Type", ctx).
func (c *ClientRequest) SetContentType(ctx string) {
	c.AddHeader("Content-Type", ctx)
}

func (c *ClientRequest) finishHeaders() {
	if !c.hasTE && !c.hasSendContentLen {
		c.AddHeader("Transfer-Encoding", "chunked")
	}
	c.stream.Write([]byte("\r\n"))
	c.headerSent = true
}

// BeginBody finishes the header block (if not already done) and
// returns a writer for the request body, coalescing small writes
// before handing them to the stream.
func (c *ClientRequest) BeginBody() BodyWriter {
	if !c.headerSent {
		c.finishHeaders()
	}
	var inner BodyWriter
	switch {
	case c.hasTE && c.hasTEChunked:
		inner = stream.NewChunkedStream(c.stream)
	case c.hasTE:
		inner = c.stream
	case c.hasSendContentLen:
		inner = stream.NewLimitedStream(c.stream, 0, c.sendContentLen)
	default:
		inner = c.stream
	}
	c.body = &coalescingWriter{inner: inner}
	return c.body
}

// RequestContinue sends the headers with Expect: 100-continue and
// reports the resulting status (100 on success, whatever the peer sent
// otherwise).
func (c *ClientRequest) RequestContinue() (int, error) {
	if !c.headerSent {
		c.AddHeader("Expect", "100-continue")
		c.finishHeaders()
		return c.Send()
	}
	return 100, nil
}

// Send flushes the request (finishing headers if BeginBody was never
// called) and synchronously parses the response status line and
// headers.
func (c *ClientRequest) Send() (int, error) {
	if !c.headerSent {
		c.finishHeaders()
	}
	c.body = nil
	c.stream.Flush()

	raw, err := c.readResponseHeaderBlockSync()
	if err != nil {
		c.Status = -1
		return -1, err
	}
	if !c.parseResponse(raw) {
		c.Status = -1
		return -1, ErrInvalidResponse
	}
	return c.Status, nil
}

func (c *ClientRequest) readResponseHeaderBlockSync() ([]byte, error) {
	var st headerScanState
	for {
		view, err := c.stream.Read()
		if err != nil {
			return nil, err
		}
		if len(view) == 0 {
			return nil, errHeaderTimeout
		}
		rest, done := st.feed(view)
		if done {
			if len(rest) > 0 {
				c.stream.PutBack(append([]byte(nil), rest...))
			}
			return st.acc, nil
		}
	}
}

func (c *ClientRequest) parseResponse(raw []byte) bool {
	line, rest := splitLine(raw)
	s := string(line)
	sp1 := strings.IndexByte(s, ' ')
	if sp1 < 0 {
		return false
	}
	sp2 := strings.IndexByte(s[sp1+1:], ' ')
	if sp2 < 0 {
		sp2 = len(s)
	} else {
		sp2 += sp1 + 1
	}
	c.Protocol = s[:sp1]
	statusStr := s[sp1+1 : sp2]
	if sp2 < len(s) {
		c.StatusMessage = s[sp2+1:]
	}
	n, err := strconv.Atoi(statusStr)
	if err != nil {
		return false
	}
	c.Status = n

	c.ResponseHeader = Header{}
	for len(rest) > 0 {
		var hline []byte
		hline, rest = splitLine(rest)
		colon := strings.IndexByte(string(hline), ':')
		if colon < 0 {
			continue
		}
		key := strings.TrimSpace(string(hline[:colon]))
		value := strings.TrimSpace(string(hline[colon+1:]))
		c.ResponseHeader.Add(key, value)
	}
	return true
}

// Response selects the response body reader per the same rules as the
// server side: empty for 100/204/304/HEAD, length-limited if
// Content-Length is present, chunked if Transfer-Encoding says so,
// otherwise read-until-close.
func (c *ClientRequest) Response() Body {
	if c.Status == 100 || c.Status == 204 || c.Status == 304 || c.headMethod {
		return stream.NewLimitedStream(c.stream, 0, 0)
	}
	if cl, ok := c.ResponseHeader.Get("Content-Length"); ok {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return stream.NewLimitedStream(c.stream, n, 0)
		}
	}
	if te, ok := c.ResponseHeader.Get("Transfer-Encoding"); ok && strings.EqualFold(te, "chunked") {
		return stream.NewChunkedStream(c.stream)
	}
	return c.stream
}
