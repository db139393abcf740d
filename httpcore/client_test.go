package httpcore

import (
	"io"
	"net"
	"testing"
)

// startTestServer runs a Server on a loopback listener and returns its
// address.
func startTestServer(t *testing.T, register func(*Server)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	s := NewServer(nil, nil)
	register(s)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveConn(conn)
		}
	}()
	return ln.Addr().String()
}

func readAll(t *testing.T, b Body) []byte {
	t.Helper()
	var out []byte
	for {
		view, err := b.Read()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if len(view) == 0 {
			t.Fatal("read timed out")
		}
		out = append(out, view...)
	}
}

func TestClientGetRoundTrip(t *testing.T) {
	addr := startTestServer(t, func(s *Server) {
		s.HandleFunc("/hello", func(req *Request, path string) bool {
			req.SendBody([]byte("world"))
			return true
		})
	})

	c, err := Dial(nil, "GET", "http://"+addr+"/hello")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.stream.Close()

	status, err := c.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if ct, _ := c.ResponseHeader.Get("Content-Type"); ct != "application/octet-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := readAll(t, c.Response()); string(body) != "world" {
		t.Fatalf("body = %q", body)
	}
}

func TestClientChunkedPostEcho(t *testing.T) {
	addr := startTestServer(t, func(s *Server) {
		s.HandleFunc("/echo", func(req *Request, path string) bool {
			var body []byte
			b := req.Body()
			for {
				view, err := b.Read()
				if err == io.EOF {
					break
				}
				if err != nil || len(view) == 0 {
					return false
				}
				body = append(body, view...)
			}
			req.SendBody(body)
			return true
		})
	})

	c, err := Dial(nil, "POST", "http://"+addr+"/echo")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.stream.Close()

	// no Content-Length: the client falls back to chunked framing.
	w := c.BeginBody()
	w.Write([]byte("hello"))
	w.Write([]byte(" world"))
	if err := w.CloseOutput(); err != nil {
		t.Fatalf("CloseOutput: %v", err)
	}

	status, err := c.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if body := readAll(t, c.Response()); string(body) != "hello world" {
		t.Fatalf("echo = %q", body)
	}
}

func TestClientContentLengthPost(t *testing.T) {
	addr := startTestServer(t, func(s *Server) {
		s.HandleFunc("/echo", func(req *Request, path string) bool {
			b := req.Body()
			var body []byte
			for {
				view, err := b.Read()
				if err == io.EOF {
					break
				}
				if err != nil || len(view) == 0 {
					return false
				}
				body = append(body, view...)
			}
			req.SendBody(body)
			return true
		})
	})

	c, err := Dial(nil, "POST", "http://"+addr+"/echo")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.stream.Close()

	c.SetContentLength(4)
	w := c.BeginBody()
	w.Write([]byte("ping"))
	if err := w.CloseOutput(); err != nil {
		t.Fatalf("CloseOutput: %v", err)
	}

	status, err := c.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if status != 200 {
		t.Fatalf("status = %d", status)
	}
	if body := readAll(t, c.Response()); string(body) != "ping" {
		t.Fatalf("echo = %q", body)
	}
}

func TestClientUnhandledPathGets404(t *testing.T) {
	addr := startTestServer(t, func(s *Server) {})

	c, err := Dial(nil, "GET", "http://"+addr+"/nope")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.stream.Close()

	status, err := c.Send()
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if status != 404 {
		t.Fatalf("status = %d", status)
	}
	readAll(t, c.Response())
}
