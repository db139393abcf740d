package stream

import (
	"net"
	"testing"
	"time"

	"github.com/nplex/userver/aio"
	"github.com/nplex/userver/netsock"
)

// tcpPair returns two connected TCP sockets, so the stream under test
// has a real descriptor to register with a dispatcher.
func tcpPair(t *testing.T) (*netsock.Socket, *netsock.Socket) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	a := <-ch
	if a.err != nil {
		t.Fatalf("Accept: %v", a.err)
	}
	sa, sb := netsock.New(a.conn), netsock.New(client)
	t.Cleanup(func() { sa.Close(); sb.Close() })
	return sa, sb
}

func runningProvider(t *testing.T) *aio.Provider {
	t.Helper()
	p, err := aio.NewProvider(1, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	go func() {
		for p.Worker() {
		}
	}()
	t.Cleanup(p.Stop)
	return p
}

func TestReadAsyncDeliversData(t *testing.T) {
	server, client := tcpPair(t)
	p := runningProvider(t)
	s := New(server, p)

	got := make(chan string, 1)
	s.ReadAsync(func(view []byte, err error) {
		if err != nil {
			t.Errorf("ReadAsync: %v", err)
			got <- ""
			return
		}
		got <- string(view)
	})

	if _, err := client.Write([]byte("async payload")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case v := <-got:
		if v != "async payload" {
			t.Fatalf("view = %q", v)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ReadAsync callback never fired")
	}
}

func TestCloseInputCancelsPendingAsyncRead(t *testing.T) {
	server, _ := tcpPair(t)
	p := runningProvider(t)
	s := New(server, p)

	fired := make(chan struct{})
	s.ReadAsync(func(view []byte, err error) {
		if len(view) != 0 {
			t.Errorf("cancelled read delivered data: %q", view)
		}
		if err != nil {
			t.Errorf("cancelled read delivered error: %v", err)
		}
		if s.Socket().TimedOut() {
			t.Error("cancellation must not look like an I/O timeout")
		}
		close(fired)
	})

	// give the registration a moment to reach the dispatcher before
	// cancelling it.
	time.Sleep(10 * time.Millisecond)
	s.CloseInput()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled read callback never fired")
	}
}
