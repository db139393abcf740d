package aio

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(1, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p
}

func TestProviderRunsActionsInFIFOOrder(t *testing.T) {
	p := newTestProvider(t)

	var mu sync.Mutex
	var order []int
	const n = 20
	for i := 0; i < n; i++ {
		i := i
		if err := p.RunAsyncAction(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("RunAsyncAction: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		if !p.Worker() {
			t.Fatalf("Worker() returned false after only %d actions", i)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != n {
		t.Fatalf("ran %d actions, want %d", len(order), n)
	}
	for i := range order {
		if order[i] != i {
			t.Fatalf("order = %v, want sequential 0..%d", order, n-1)
		}
	}
}

func TestProviderSchedulesTimers(t *testing.T) {
	p := newTestProvider(t)

	done := make(chan bool, 1)
	id := p.NextTaskID()
	if err := p.RunAsyncWait(At(id, time.Now().Add(5*time.Millisecond)), func(success bool) {
		done <- success
	}, time.Now().Add(5*time.Millisecond)); err != nil {
		t.Fatalf("RunAsyncWait: %v", err)
	}

	go func() {
		for p.Worker() {
		}
	}()

	select {
	case ok := <-done:
		if !ok {
			t.Fatal("expected success=true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	p.Stop()
}

func TestProviderStopRetiresInFlightCallbacksExactlyOnce(t *testing.T) {
	p := newTestProvider(t)

	const n = 10
	var fired atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		id := p.NextTaskID()
		err := p.RunAsyncWait(At(id, time.Now().Add(time.Hour)), func(success bool) {
			if success {
				t.Errorf("expected success=false after Stop")
			}
			fired.Add(1)
			wg.Done()
		}, time.Now().Add(time.Hour))
		if err != nil {
			t.Fatalf("RunAsyncWait: %v", err)
		}
	}

	p.Stop()

	drained := make(chan struct{})
	go func() {
		for p.Worker() {
		}
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop never drained")
	}

	wg.Wait()
	if got := fired.Load(); got != n {
		t.Fatalf("fired = %d, want %d", got, n)
	}

	if err := p.RunAsyncAction(func() {}); err == nil {
		t.Fatal("expected new submissions to be rejected after Stop")
	}
}
