// Package httpcore implements HTTP/1.0 and HTTP/1.1 on the byte level:
// request/response parsing and composition, the server accept/dispatch
// loop, and a client built directly atop stream.Stream.
package httpcore

import "sort"

// Header is a case-insensitive multimap preserving the insertion order
// of values sharing a key, stored sorted by lower-cased key for
// O(log n) lookup.
type Header struct {
	entries []headerEntry
}

type headerEntry struct {
	key      string
	lowerKey string
	value    string
}

// Add appends a value under key, preserving any existing values for the
// same key in insertion order.
func (h *Header) Add(key, value string) {
	lk := lowerASCII(key)
	i := h.lowerBound(lk)
	for i < len(h.entries) && h.entries[i].lowerKey == lk {
		i++
	}
	h.entries = append(h.entries, headerEntry{})
	copy(h.entries[i+1:], h.entries[i:])
	h.entries[i] = headerEntry{key: key, lowerKey: lk, value: value}
}

// Set replaces every existing value for key with a single value.
func (h *Header) Set(key, value string) {
	h.Del(key)
	h.Add(key, value)
}

// Del removes every value stored under key.
func (h *Header) Del(key string) {
	lk := lowerASCII(key)
	i := h.lowerBound(lk)
	j := i
	for j < len(h.entries) && h.entries[j].lowerKey == lk {
		j++
	}
	h.entries = append(h.entries[:i], h.entries[j:]...)
}

// Get returns the first value stored under key.
func (h *Header) Get(key string) (string, bool) {
	lk := lowerASCII(key)
	i := h.lowerBound(lk)
	if i < len(h.entries) && h.entries[i].lowerKey == lk {
		return h.entries[i].value, true
	}
	return "", false
}

// Values returns every value stored under key, in insertion order.
func (h *Header) Values(key string) []string {
	lk := lowerASCII(key)
	i := h.lowerBound(lk)
	var out []string
	for i < len(h.entries) && h.entries[i].lowerKey == lk {
		out = append(out, h.entries[i].value)
		i++
	}
	return out
}

// Has reports whether key has at least one value.
func (h *Header) Has(key string) bool {
	_, ok := h.Get(key)
	return ok
}

// Each calls fn for every header in storage (sorted-key) order.
func (h *Header) Each(fn func(key, value string)) {
	for _, e := range h.entries {
		fn(e.key, e.value)
	}
}

// Len returns the number of stored header values.
func (h *Header) Len() int { return len(h.entries) }

func (h *Header) lowerBound(lk string) int {
	return sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].lowerKey >= lk
	})
}

func lowerASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}

func upperASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			b[i] = c - ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
