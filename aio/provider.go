package aio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Action is a unit of work enqueued to run directly on a worker, with no
// dispatcher involvement.
type Action func()

const maxStoredErrors = 32

// Provider manages N dispatchers and M worker goroutines. Callbacks
// submitted through RunAsync* execute on whichever worker picks them up;
// code inside a callback should assume parallel execution against other
// callbacks except where a narrower invariant (e.g. a Stream's
// single-reader/single-writer rule) applies.
//
// The round-robin queue only ever holds dispatchers known to have at least
// one outstanding registration, so a worker's call into GetTask never
// blocks on a dispatcher that has nothing to report.
type Provider struct {
	log *slog.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	dispatchers  []Dispatcher
	pending      []int  // outstanding registrations per dispatcher index
	queued       []bool // whether dispatcher idx currently sits in readyQueue
	readyQueue   []int
	actionQueue  []Action
	totalPending int
	stopping     bool
	rrIdx        int

	errMu sync.Mutex
	errs  []error

	nextTaskID atomic.Uint64
}

// NewProvider constructs a Provider with n fd-backed dispatchers (epoll
// or poll, whichever NewDispatcher picks) plus one scheduler dispatcher
// for pure-timer waits, serviced once Run or Worker is called.
func NewProvider(n int, log *slog.Logger) (*Provider, error) {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Provider{log: log}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		d, err := NewDispatcher()
		if err != nil {
			return nil, err
		}
		p.dispatchers = append(p.dispatchers, d)
	}
	p.dispatchers = append(p.dispatchers, NewSchedulerDispatcher())
	p.pending = make([]int, len(p.dispatchers))
	p.queued = make([]bool, len(p.dispatchers))
	return p, nil
}

// defaultProvider is the explicitly-configurable process-wide default.
// The core never implicitly constructs one, but library code deep in a
// callback may reach it via DefaultProvider() once the owner has called
// SetDefaultProvider.
var defaultProvider atomic.Pointer[Provider]

// SetDefaultProvider installs p as the process-wide default. Pass nil to
// clear it.
func SetDefaultProvider(p *Provider) { defaultProvider.Store(p) }

// DefaultProvider returns the provider installed by SetDefaultProvider,
// or nil if none has been configured.
func DefaultProvider() *Provider { return defaultProvider.Load() }

type providerCtxKey struct{}

// WithProvider attaches p to ctx for call sites that want to thread a
// provider explicitly instead of relying on the process-wide default.
func WithProvider(ctx context.Context, p *Provider) context.Context {
	return context.WithValue(ctx, providerCtxKey{}, p)
}

// ProviderFromContext returns the provider attached by WithProvider, or
// the process-wide default if ctx carries none.
func ProviderFromContext(ctx context.Context) *Provider {
	if p, ok := ctx.Value(providerCtxKey{}).(*Provider); ok && p != nil {
		return p
	}
	return DefaultProvider()
}

// RunAsyncWait registers resource/cb/deadline on the next dispatcher in
// round-robin order that accepts resource.Kind. Returns
// ErrNoDispatcherForResource if none did — a structural bug, never
// silently dropped.
func (p *Provider) RunAsyncWait(resource Resource, cb Callback, deadline time.Time) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return ErrDispatcherStopped
	}
	n := len(p.dispatchers)
	start := p.rrIdx
	p.rrIdx = (p.rrIdx + 1) % n
	dispatchers := p.dispatchers
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if dispatchers[idx].WaitAsync(resource, cb, deadline) {
			p.mu.Lock()
			p.pending[idx]++
			p.totalPending++
			if !p.queued[idx] {
				p.queued[idx] = true
				p.readyQueue = append(p.readyQueue, idx)
			}
			p.cond.Signal()
			p.mu.Unlock()
			return nil
		}
	}
	return ErrNoDispatcherForResource
}

// NextTaskID hands out a monotonically increasing id for Scheduled
// resources (so StopWait can find them again).
func (p *Provider) NextTaskID() uint64 { return p.nextTaskID.Add(1) }

// StopWait cancels a pending registration matching resource, asking
// each dispatcher in turn, and returns the registration's callback
// uninvoked so the caller decides how to report the outcome.
func (p *Provider) StopWait(resource Resource) (Callback, bool) {
	p.mu.Lock()
	dispatchers := p.dispatchers
	p.mu.Unlock()
	for _, d := range dispatchers {
		if cb, ok := d.StopWait(resource); ok {
			return cb, true
		}
	}
	return nil, false
}

// RunAsyncAction enqueues action onto the shared FIFO; one worker wakes
// and runs it directly with no dispatcher involvement.
func (p *Provider) RunAsyncAction(action Action) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrDispatcherStopped
	}
	p.actionQueue = append(p.actionQueue, action)
	p.cond.Signal()
	return nil
}

// Worker processes exactly one unit of work: if the action FIFO is
// non-empty, pop and run one action; otherwise take the next ready
// dispatcher, retire one of its registrations, and run that callback.
// When there is nothing to do it blocks until new work arrives. It
// returns false once the provider has stopped and every dispatcher and
// the action queue have fully drained.
//
// The caller may call Worker repeatedly to convert its own goroutine
// into a worker for that goroutine's lifetime.
func (p *Provider) Worker() bool {
	p.mu.Lock()
	for {
		if n := len(p.actionQueue); n > 0 {
			action := p.actionQueue[0]
			p.actionQueue = p.actionQueue[1:]
			p.mu.Unlock()
			p.runGuarded(action)
			return true
		}

		if len(p.readyQueue) > 0 {
			idx := p.readyQueue[0]
			p.readyQueue = p.readyQueue[1:]
			p.queued[idx] = false
			d := p.dispatchers[idx]
			p.mu.Unlock()

			task, ok := d.GetTask()

			p.mu.Lock()
			if ok {
				p.pending[idx]--
				p.totalPending--
				if p.pending[idx] > 0 && !p.queued[idx] {
					p.queued[idx] = true
					p.readyQueue = append(p.readyQueue, idx)
				}
			} else {
				// Dispatcher reports it will never produce again
				// (stopped and fully drained); reconcile bookkeeping.
				p.totalPending -= p.pending[idx]
				p.pending[idx] = 0
			}
			p.mu.Unlock()

			if ok {
				p.runGuarded(task.Run)
			}
			return true
		}

		if p.stopping && p.totalPending == 0 {
			p.mu.Unlock()
			return false
		}

		p.cond.Wait()
	}
}

// runGuarded runs fn, capturing any panic into the bounded error queue
// instead of crashing the worker goroutine.
func (p *Provider) runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.recordError(errors.New("aio: callback panic"))
			p.log.Error("aio: recovered panic in callback", "panic", r)
		}
	}()
	fn()
}

func (p *Provider) recordError(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	p.errs = append(p.errs, err)
	if len(p.errs) > maxStoredErrors {
		p.errs = p.errs[len(p.errs)-maxStoredErrors:]
	}
}

// PendingErrors drains and returns whatever callback errors have
// accumulated since the last call, oldest first, capped at 32.
func (p *Provider) PendingErrors() []error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	errs := p.errs
	p.errs = nil
	return errs
}

// Run starts n worker goroutines under an errgroup and blocks until ctx
// is cancelled, then stops the provider and waits for workers to drain.
func (p *Provider) Run(ctx context.Context, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for p.Worker() {
			}
			return nil
		})
	}
	<-ctx.Done()
	p.Stop()
	return g.Wait()
}

// Stop cascades to every dispatcher; in-flight callbacks get
// success=false, and new submissions are rejected thereafter.
func (p *Provider) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	dispatchers := append([]Dispatcher(nil), p.dispatchers...)
	p.mu.Unlock()

	for _, d := range dispatchers {
		d.Stop()
	}

	p.mu.Lock()
	p.cond.Broadcast()
	p.mu.Unlock()
}
