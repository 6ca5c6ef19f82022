package datastore

import (
	"context"
	"errors"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/ndlib/archivegate/product"
)

// Setter is anything a product can be stored into: a single Store, or the
// Manager.
type Setter interface {
	Set(ctx context.Context, uuid string, p *product.Product) error
}

// ErrShutdown is returned by Submit once the setter is shut down.
var ErrShutdown = errors.New("ParallelSetter is shut down")

// ParallelSetter runs Set calls on a fixed number of worker goroutines, so
// bulk producers do not wait on each physical store in turn. Submissions
// queue without bound until a worker is free.
type ParallelSetter struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	m        sync.Mutex
	cond     *sync.Cond
	queue    []*Handle
	shutdown bool
}

// handle states
const (
	queued = iota
	running
	finished
)

// Handle tracks one submission.
type Handle struct {
	UUID string

	target Setter
	p      *product.Product
	done   chan struct{}

	m      sync.Mutex
	state  int
	err    error
	cancel context.CancelFunc
}

// NewParallelSetter starts n workers.
func NewParallelSetter(n int) *ParallelSetter {
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := &ParallelSetter{ctx: ctx, cancel: cancel}
	ps.cond = sync.NewCond(&ps.m)
	for i := 0; i < n; i++ {
		ps.wg.Add(1)
		go ps.worker()
	}
	return ps
}

// Submit queues p to be stored into target under uuid.
func (ps *ParallelSetter) Submit(target Setter, uuid string, p *product.Product) (*Handle, error) {
	h := &Handle{
		UUID:   uuid,
		target: target,
		p:      p,
		done:   make(chan struct{}),
	}
	ps.m.Lock()
	defer ps.m.Unlock()
	if ps.shutdown {
		return nil, ErrShutdown
	}
	ps.queue = append(ps.queue, h)
	ps.cond.Signal()
	return h, nil
}

// Pending is the number of submissions not yet picked up by a worker.
func (ps *ParallelSetter) Pending() int {
	ps.m.Lock()
	defer ps.m.Unlock()
	return len(ps.queue)
}

func (ps *ParallelSetter) next() *Handle {
	ps.m.Lock()
	defer ps.m.Unlock()
	for len(ps.queue) == 0 && !ps.shutdown {
		ps.cond.Wait()
	}
	if len(ps.queue) == 0 {
		return nil
	}
	h := ps.queue[0]
	ps.queue[0] = nil
	ps.queue = ps.queue[1:]
	return h
}

func (ps *ParallelSetter) worker() {
	defer ps.wg.Done()
	for {
		h := ps.next()
		if h == nil {
			return
		}
		ctx, ok := h.start(ps.ctx)
		if !ok {
			continue
		}
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = h.target.Set(ctx, h.UUID, h.p) })
		if r := pc.Recovered(); r != nil {
			err = r.AsError()
		}
		h.finish(err)
	}
}

// start moves a queued handle to running. It is false if the handle was
// cancelled first.
func (h *Handle) start(parent context.Context) (context.Context, bool) {
	h.m.Lock()
	defer h.m.Unlock()
	if h.state != queued {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	h.state = running
	h.cancel = cancel
	return ctx, true
}

func (h *Handle) finish(err error) {
	h.m.Lock()
	defer h.m.Unlock()
	if h.state == finished {
		return
	}
	if h.cancel != nil {
		h.cancel()
	}
	h.state = finished
	h.err = err
	close(h.done)
}

// Cancel stops the submission. A queued submission finishes at once with
// ErrCancelled and Cancel returns true. A running one has its context
// cancelled, which the store may or may not notice, and Cancel returns
// false.
func (h *Handle) Cancel() bool {
	h.m.Lock()
	defer h.m.Unlock()
	switch h.state {
	case queued:
		h.state = finished
		h.err = ErrCancelled
		close(h.done)
		return true
	case running:
		h.cancel()
	}
	return false
}

// Done is closed when the submission finishes.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the result of the submission, or nil if it has not finished.
func (h *Handle) Err() error {
	h.m.Lock()
	defer h.m.Unlock()
	return h.err
}

// Wait blocks until the submission finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new submissions, and waits for everything queued to be
// run.
func (ps *ParallelSetter) Shutdown() {
	ps.m.Lock()
	ps.shutdown = true
	ps.cond.Broadcast()
	ps.m.Unlock()
	ps.wg.Wait()
	ps.cancel()
}

// ShutdownNow refuses new submissions, cancels everything still queued, and
// cancels the context of the running ones. It returns the handles that
// never started. It does not wait for the workers; use Wait for that.
func (ps *ParallelSetter) ShutdownNow() []*Handle {
	ps.m.Lock()
	ps.shutdown = true
	pending := ps.queue
	ps.queue = nil
	ps.cond.Broadcast()
	ps.m.Unlock()

	var cancelled []*Handle
	for _, h := range pending {
		if h.Cancel() {
			cancelled = append(cancelled, h)
		}
	}
	ps.cancel()
	return cancelled
}

// Wait blocks until every worker has exited. Call it after a shutdown.
func (ps *ParallelSetter) Wait() {
	ps.wg.Wait()
}
