package httpcore

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nplex/userver/aio"
	"github.com/nplex/userver/netaddr"
	"github.com/nplex/userver/netsock"
	"github.com/nplex/userver/stream"
)

// Handler receives the request and the portion of its path left after
// the registered prefix was stripped. It returns true if it sent (or
// will send) a response; false asks the server to try the next
// candidate prefix.
type Handler func(req *Request, path string) bool

// ConnectHook runs once per accepted connection, before any request is
// parsed. Returning true claims the connection (e.g. for a raw
// protocol) and the server does not build an HTTP request for it.
type ConnectHook func(s *stream.Stream) bool

// Server is the HTTP/1.x accept-dispatch loop: a path-prefix handler
// map plus a per-Host cache of the prefix that matched last time, so
// repeat requests skip the prefix walk.
type Server struct {
	Logger   *slog.Logger
	Provider *aio.Provider
	OnAccept ConnectHook

	// ReadTimeout bounds each blocking read while parsing a request,
	// which is also how long a kept-alive connection may idle between
	// requests. Zero means the 5s default.
	ReadTimeout time.Duration

	mu          sync.RWMutex
	pathMapping map[string]Handler
	hostPrefix  map[string]string
}

// NewServer builds a Server. provider backs the asynchronous operations
// of the connection streams and may be nil; handlers always run on the
// goroutine that serves their connection.
func NewServer(provider *aio.Provider, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		Provider:    provider,
		Logger:      logger,
		pathMapping: make(map[string]Handler),
		hostPrefix:  make(map[string]string),
	}
}

// HandleFunc registers h at path. Passing a nil h removes any existing
// registration.
func (s *Server) HandleFunc(path string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h == nil {
		delete(s.pathMapping, path)
		return
	}
	s.pathMapping[path] = h
}

// Serve listens on every endpoint and runs the accept loop for each
// until ctx is cancelled. Each accepted connection is served on its own
// goroutine, which blocks on the connection's I/O.
func (s *Server) Serve(ctx context.Context, endpoints []netaddr.Endpoint) error {
	listeners, err := netaddr.ListenAll(endpoints)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, ln := range listeners {
		ln := ln
		g.Go(func() error { return s.acceptLoop(gctx, ln) })
	}
	g.Go(func() error {
		<-gctx.Done()
		for _, ln := range listeners {
			ln.Close()
		}
		return gctx.Err()
	})
	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.Logger.Warn("accept failed", "error", err)
				continue
			}
		}
		go s.serveConn(conn)
	}
}

// ServeConn serves HTTP requests on an already-accepted connection,
// e.g. from a listener the caller manages itself. It blocks until the
// connection closes or is handed over to an upgrade handler.
func (s *Server) ServeConn(conn net.Conn) { s.serveConn(conn) }

func (s *Server) serveConn(conn net.Conn) {
	sock := netsock.New(conn)
	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sock.SetReadTimeout(int(timeout / time.Millisecond))
	st := stream.New(sock, s.Provider)

	if s.OnAccept != nil && s.OnAccept(st) {
		return
	}
	s.beginRequest(st, nil)
}

// beginRequest parses and serves requests off st, looping across
// keep-alive reuses of the same stream until the peer closes it, a
// handler disables keep-alive, or an upgrade handler detaches it.
func (s *Server) beginRequest(st *stream.Stream, prev *Request) {
	for {
		req := newRequest(st, s.Logger)
		if prev != nil {
			req.reuse(prev)
		}
		if !req.Init() {
			// A fully-read but malformed header block still deserves a
			// response (Close synthesizes the 400; the 411/417 pages were
			// already sent by header processing). A clean EOF or timeout
			// before the block completed just drops the connection.
			if req.headerComplete {
				req.Close()
			}
			st.Close()
			return
		}
		if !s.dispatch(req) {
			req.sendErrorPage(404)
		}
		keepAlive := req.Close()
		if req.Detached() {
			return
		}
		if !keepAlive {
			st.Close()
			return
		}
		prev = req
	}
}

// dispatch implements the two-level host+path lookup: it first tries
// the path prefix already learned for this Host, then walks the URI's
// slash-separated prefixes from the right, caching whichever prefix
// first matches a registered handler.
func (s *Server) dispatch(req *Request) bool {
	host, _ := req.Header.Get("Host")
	vpath := req.Path

	s.mu.RLock()
	prefix, learned := s.hostPrefix[host]
	s.mu.RUnlock()

	if learned && strings.HasPrefix(vpath, prefix) && len(vpath) > len(prefix) && vpath[len(prefix)] == '/' {
		if s.execHandler(req, vpath[len(prefix):]) {
			return true
		}
	}

	for p := len(vpath); p > 0; {
		idx := strings.LastIndexByte(vpath[:p], '/')
		if idx < 0 {
			break
		}
		candidate := vpath[:idx]
		if s.execHandler(req, vpath[idx:]) {
			s.mu.Lock()
			s.hostPrefix[host] = candidate
			s.mu.Unlock()
			return true
		}
		p = idx
	}
	return false
}

func (s *Server) execHandler(req *Request, path string) bool {
	trimmed := path
	if q := strings.IndexByte(trimmed, '?'); q >= 0 {
		trimmed = trimmed[:q]
	}
	for {
		s.mu.RLock()
		h, ok := s.pathMapping[trimmed]
		s.mu.RUnlock()
		if ok {
			rest := path[len(trimmed):]
			if h(req, rest) {
				return true
			}
		}
		idx := strings.LastIndexByte(trimmed, '/')
		if idx < 0 {
			return false
		}
		trimmed = trimmed[:idx]
	}
}
