package httpcore

import (
	"bytes"
	"net"
	"strings"
	"testing"

	"github.com/nplex/userver/netsock"
	"github.com/nplex/userver/stream"
)

func TestSendBodyWritesStatusLineHeadersAndBody(t *testing.T) {
	req, client := requestPair(t)
	go client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	if !req.Init() {
		t.Fatal("Init returned false")
	}

	req.SetContentType("text/plain")
	done := make(chan struct{})
	go func() {
		req.SendBody([]byte("world"))
		close(done)
	}()

	var got bytes.Buffer
	buf := make([]byte, 256)
	for {
		n, err := client.Socket().Read(buf)
		if n > 0 {
			got.Write(buf[:n])
		}
		if err != nil || strings.Contains(got.String(), "world") {
			break
		}
	}
	<-done

	text := got.String()
	if !strings.HasPrefix(text, "HTTP/1.1 200 OK\r\n") {
		t.Fatalf("status line missing, got %q", text)
	}
	if !strings.Contains(text, "Content-Type: text/plain\r\n") {
		t.Fatalf("Content-Type header missing, got %q", text)
	}
	if !strings.Contains(text, "Content-Length: 5\r\n") {
		t.Fatalf("Content-Length header missing, got %q", text)
	}
	if !strings.HasSuffix(text, "\r\n\r\nworld") {
		t.Fatalf("body not appended after header terminator, got %q", text)
	}
}

func TestNoContentStatusSuppressesContentTypeAndChunking(t *testing.T) {
	req, client := requestPair(t)
	go client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	req.Init()

	req.SetStatus(204)
	done := make(chan struct{})
	go func() {
		req.Send()
		req.stream.Flush()
		close(done)
	}()

	var got bytes.Buffer
	buf := make([]byte, 256)
	for got.Len() < len("HTTP/1.1 204 No Content\r\n\r\n") {
		n, err := client.Socket().Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	<-done

	text := got.String()
	if strings.Contains(text, "Content-Type") {
		t.Fatalf("204 response should not set Content-Type, got %q", text)
	}
	if strings.Contains(text, "Transfer-Encoding") {
		t.Fatalf("204 response should not set Transfer-Encoding, got %q", text)
	}
}

func newRequestForClose(t *testing.T) (*Request, *stream.Stream) {
	t.Helper()
	c1, c2 := net.Pipe()
	server := stream.New(netsock.New(c1), nil)
	client := stream.New(netsock.New(c2), nil)
	t.Cleanup(func() { server.Close(); client.Close() })
	return newRequest(server, nil), client
}

func TestCloseSynthesizes400ForInvalidRequest(t *testing.T) {
	req, client := newRequestForClose(t)
	req.valid = false

	done := make(chan struct{})
	go func() {
		req.Close()
		close(done)
	}()

	var got bytes.Buffer
	buf := make([]byte, 512)
	for {
		n, err := client.Socket().Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
		if strings.Contains(got.String(), "</html>") {
			break
		}
	}
	<-done

	if !strings.Contains(got.String(), "400 Bad Request") {
		t.Fatalf("expected a 400 response, got %q", got.String())
	}
	if req.enableKeepAlive {
		t.Fatal("Close on an invalid request must disable keep-alive")
	}
}
