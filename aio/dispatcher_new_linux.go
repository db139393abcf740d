//go:build linux

package aio

// NewDispatcher constructs the best available fd-backed Dispatcher for
// the current platform — epoll on linux.
func NewDispatcher() (Dispatcher, error) {
	return NewEpollDispatcher()
}
