package staticfile

import (
	"bufio"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nplex/userver/httpcore"
)

func TestContentTypeByExt(t *testing.T) {
	cases := map[string]string{
		"index.html":  "text/html",
		"style.CSS":   "text/css",
		"data.json":   "application/json",
		"photo.jpeg":  "image/jpeg",
		"archive.bin": "application/octet-stream",
		"noext":       "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentTypeByExt(name); got != want {
			t.Errorf("ContentTypeByExt(%q) = %q, want %q", name, got, want)
		}
	}
}

type response struct {
	status  string
	headers map[string]string
	body    string
}

func readResponse(t *testing.T, r *bufio.Reader) response {
	t.Helper()
	statusLine, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	resp := response{status: strings.TrimRight(statusLine, "\r\n"), headers: map[string]string{}}
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read header: %v", err)
		}
		if line == "\r\n" {
			break
		}
		if k, v, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ": "); ok {
			resp.headers[strings.ToLower(k)] = v
		}
	}
	if cl, ok := resp.headers["content-length"]; ok {
		n, _ := strconv.Atoi(cl)
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
		resp.body = string(body)
	}
	return resp
}

func startFileServer(t *testing.T, root string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := httpcore.NewServer(nil, nil)
	srv.HandleFunc("", Handler(Config{Root: root}))
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(conn)
		}
	}()
	return ln.Addr().String()
}

func TestServeFileWithETagRevalidation(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "hello.txt"), []byte("static body"), 0644); err != nil {
		t.Fatal(err)
	}
	addr := startFileServer(t, root)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(conn)

	conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\n\r\n"))
	resp := readResponse(t, r)
	if !strings.Contains(resp.status, "200") {
		t.Fatalf("status = %q", resp.status)
	}
	if resp.headers["content-type"] != "text/plain" {
		t.Errorf("Content-Type = %q", resp.headers["content-type"])
	}
	if resp.body != "static body" {
		t.Errorf("body = %q", resp.body)
	}
	etag := resp.headers["etag"]
	if etag == "" || !strings.HasPrefix(etag, `"`) {
		t.Fatalf("ETag = %q", etag)
	}

	conn.Write([]byte("GET /hello.txt HTTP/1.1\r\nHost: x\r\nIf-None-Match: " + etag + "\r\n\r\n"))
	resp = readResponse(t, r)
	if !strings.Contains(resp.status, "304") {
		t.Fatalf("revalidation status = %q", resp.status)
	}
	if resp.body != "" {
		t.Errorf("304 carried a body: %q", resp.body)
	}
}

func TestServeEmptyFileYields204(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "empty.bin"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	addr := startFileServer(t, root)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("GET /empty.bin HTTP/1.1\r\nHost: x\r\n\r\n"))
	resp := readResponse(t, bufio.NewReader(conn))
	if !strings.Contains(resp.status, "204") {
		t.Fatalf("status = %q", resp.status)
	}
}

func TestMissingFileFallsThroughTo404(t *testing.T) {
	addr := startFileServer(t, t.TempDir())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("GET /nope.txt HTTP/1.1\r\nHost: x\r\n\r\n"))
	resp := readResponse(t, bufio.NewReader(conn))
	if !strings.Contains(resp.status, "404") {
		t.Fatalf("status = %q", resp.status)
	}
}

func TestDotDotCannotEscapeRoot(t *testing.T) {
	parent := t.TempDir()
	secret := filepath.Join(parent, "secret.txt")
	if err := os.WriteFile(secret, []byte("top secret"), 0644); err != nil {
		t.Fatal(err)
	}
	root := filepath.Join(parent, "www")
	if err := os.Mkdir(root, 0755); err != nil {
		t.Fatal(err)
	}
	addr := startFileServer(t, root)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	conn.Write([]byte("GET /%2e%2e/secret.txt HTTP/1.1\r\nHost: x\r\n\r\n"))
	resp := readResponse(t, bufio.NewReader(conn))
	if strings.Contains(resp.status, "200") {
		t.Fatalf("escaped the document root: %q", resp.status)
	}
}
