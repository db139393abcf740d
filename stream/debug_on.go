//go:build debug

package stream

func init() {
	assertNotBusy = func(flag *atomicBool, err error) {
		if flag.Load() {
			panic(err)
		}
	}
}
