package stream

import "sync/atomic"

// atomicBool is the tiny CAS-backed flag backing Stream's busy/closed
// state. Go 1.19+ has atomic.Bool in the standard library; this thin
// alias exists only so assertNotBusy reads naturally below.
type atomicBool = atomic.Bool

// assertNotBusy panics with err when debugging is enabled and flag is
// already set, enforcing the single-reader/single-writer invariant.
// The check is swapped in by debug_on.go; builds without the "debug"
// tag pay nothing beyond the flag load callers already need.
var assertNotBusy = assertNotBusyRelease

func assertNotBusyRelease(flag *atomicBool, err error) {
	_ = flag
	_ = err
}
