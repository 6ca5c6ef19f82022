package util

import "sync"

// A Gate limits concurrency. Every gate has a maximum number of goroutines
// to allow through at a time. Goroutines enter the gate by calling Enter()
// or TryEnter(), and signal that they are done by calling Leave().
//
// Stop() releases every goroutine still waiting in Enter(); they return
// false and must not call Leave().
type Gate struct {
	slots chan struct{}
	stop  chan struct{}
	once  sync.Once
}

// NewGate returns a Gate which accepts at most n entries at a time.
func NewGate(n int) *Gate {
	if n < 1 {
		n = 1
	}
	return &Gate{
		slots: make(chan struct{}, n),
		stop:  make(chan struct{}),
	}
}

// Enter blocks the calling goroutine until there are less than n goroutines
// inside. It returns false if the gate was stopped while waiting.
func (g *Gate) Enter() bool {
	select {
	case <-g.stop:
		return false
	default:
	}
	select {
	case g.slots <- struct{}{}:
		return true
	case <-g.stop:
		return false
	}
}

// TryEnter takes a slot if one is free, and never blocks.
func (g *Gate) TryEnter() bool {
	select {
	case g.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Leave marks a goroutine outside the critical section. Each successful
// Enter or TryEnter must be balanced by exactly one Leave. They do not need
// to be called from the same goroutine.
func (g *Gate) Leave() {
	<-g.slots
}

// Inside returns the number of goroutines currently holding a slot.
func (g *Gate) Inside() int {
	return len(g.slots)
}

// Stop makes all current and future calls to Enter return false.
// It is safe to call more than once.
func (g *Gate) Stop() {
	g.once.Do(func() { close(g.stop) })
}
