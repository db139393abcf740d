package httpcore

import "testing"

func TestHeaderGetIsCaseInsensitive(t *testing.T) {
	var h Header
	h.Add("Content-Type", "text/plain")

	if v, ok := h.Get("content-type"); !ok || v != "text/plain" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if v, ok := h.Get("CONTENT-TYPE"); !ok || v != "text/plain" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
}

func TestHeaderPreservesOrderOfEqualKeys(t *testing.T) {
	var h Header
	h.Add("Set-Cookie", "a=1")
	h.Add("Set-Cookie", "b=2")
	h.Add("Set-Cookie", "c=3")

	got := h.Values("Set-Cookie")
	want := []string{"a=1", "b=2", "c=3"}
	if len(got) != len(want) {
		t.Fatalf("Values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Values[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHeaderSetReplacesAllValues(t *testing.T) {
	var h Header
	h.Add("X-Foo", "1")
	h.Add("X-Foo", "2")
	h.Set("X-Foo", "3")

	got := h.Values("X-Foo")
	if len(got) != 1 || got[0] != "3" {
		t.Fatalf("Values after Set = %v, want [3]", got)
	}
}

func TestHeaderDel(t *testing.T) {
	var h Header
	h.Add("A", "1")
	h.Add("B", "2")
	h.Add("A", "3")
	h.Del("A")

	if h.Has("A") {
		t.Fatal("A still present after Del")
	}
	if v, ok := h.Get("B"); !ok || v != "2" {
		t.Fatalf("B = %q, %v, want 2 true", v, ok)
	}
}
