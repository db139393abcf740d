package netaddr

import (
	"os"
	"testing"
)

func TestParseSpecListGrammar(t *testing.T) {
	cases := []struct {
		spec string
		want []Endpoint
	}{
		{"127.0.0.1:8080", []Endpoint{{Family: IPv4, Host: "127.0.0.1", Port: 8080}}},
		{":8080", []Endpoint{{Family: IPv4, Host: "", Port: 8080}}},
		{"[::1]:8080", []Endpoint{{Family: IPv6, Host: "::1", Port: 8080}}},
		{"unix:/tmp/a.sock", []Endpoint{{Family: Unix, Path: "/tmp/a.sock", Mode: 0660}}},
		{"unix:/tmp/a.sock:0640", []Endpoint{{Family: Unix, Path: "/tmp/a.sock", Mode: 0640}}},
		{"unix:/tmp/a.sock:rw", []Endpoint{{Family: Unix, Path: "/tmp/a.sock", Mode: 0666}}},
		{"unix:/tmp/a.sock:ug", []Endpoint{{Family: Unix, Path: "/tmp/a.sock", Mode: 0660}}},
		{
			"127.0.0.1:80 [::1]:81",
			[]Endpoint{
				{Family: IPv4, Host: "127.0.0.1", Port: 80},
				{Family: IPv6, Host: "::1", Port: 81},
			},
		},
	}

	for _, c := range cases {
		got, err := ParseSpecList(c.spec)
		if err != nil {
			t.Fatalf("ParseSpecList(%q): %v", c.spec, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("ParseSpecList(%q) = %+v, want %+v", c.spec, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("ParseSpecList(%q)[%d] = %+v, want %+v", c.spec, i, got[i], c.want[i])
			}
		}
	}
}

func TestParseSpecListRejectsGarbage(t *testing.T) {
	for _, spec := range []string{"nocolon", "host:notaport", "[unterminated:80"} {
		if _, err := ParseSpecList(spec); err == nil {
			t.Errorf("ParseSpecList(%q): expected error, got nil", spec)
		}
	}
}

func TestListenAndDialUnixSocket(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/test.sock"
	eps := []Endpoint{{Family: Unix, Path: path, Mode: 0600}}

	lns, err := ListenAll(eps)
	if err != nil {
		t.Fatalf("ListenAll: %v", err)
	}
	defer lns[0].Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat socket: %v", err)
	}
	if got := info.Mode().Perm(); got != 0600 {
		t.Fatalf("socket perm = %v, want 0600", got)
	}

	accepted := make(chan struct{})
	go func() {
		c, err := lns[0].Accept()
		if err == nil {
			c.Close()
		}
		close(accepted)
	}()

	conn, err := Dial(eps)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	<-accepted
}
