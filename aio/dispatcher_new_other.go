//go:build !linux

package aio

// NewDispatcher constructs the best available fd-backed Dispatcher for
// the current platform — poll(2) everywhere else.
func NewDispatcher() (Dispatcher, error) {
	return NewPollDispatcher()
}
