package util

import (
	"errors"
	"io"
	"sync"
	"time"
)

// A RateCounter keeps a byte stream under a rate limit. Every interval the
// pool of credits is topped up. Reads remove credits from the pool. If the
// pool goes negative, readers wait until it goes positive again.
//
// It is used to keep backup copies taken before a deletion from saturating
// the link to a remote or object store.
type RateCounter struct {
	c       chan struct{} // signals credits are positive
	stop    chan struct{} // close to make the refill goroutine exit
	once    sync.Once
	m       sync.Mutex // protects below
	credits int64
}

// Interval between adding credits to the pool.
const rateInterval = 1 * time.Second

// NewRateCounter returns a counter where credits accumulate at the given
// number per second. A rate <= 0 returns nil, and a nil *RateCounter does
// not limit anything.
func NewRateCounter(rate float64) *RateCounter {
	if rate <= 0 {
		return nil
	}
	amount := int64(rate * rateInterval.Seconds())
	if amount < 1 {
		amount = 1
	}
	r := &RateCounter{
		c:       make(chan struct{}),
		stop:    make(chan struct{}),
		credits: amount,
	}
	go r.refill(amount)
	return r
}

// Use some number of units. It is okay if it takes this counter negative.
func (r *RateCounter) Use(count int64) {
	r.m.Lock()
	r.credits -= count
	r.m.Unlock()
}

// Stop the background goroutine refilling the RateCounter. Readers waiting
// on it will fail with ErrStopped.
func (r *RateCounter) Stop() {
	if r == nil {
		return
	}
	r.once.Do(func() { close(r.stop) })
}

func (r *RateCounter) refill(amount int64) {
	tick := time.NewTicker(rateInterval)
	defer tick.Stop()
	for {
		var signal chan struct{}
		r.m.Lock()
		if r.credits > 0 {
			signal = r.c
		}
		r.m.Unlock()
		select {
		case <-tick.C:
			r.m.Lock()
			r.credits += amount
			if r.credits > amount {
				// do not let an idle counter bank a burst
				r.credits = amount
			}
			r.m.Unlock()
		case signal <- struct{}{}:
		case <-r.stop:
			close(r.c)
			return
		}
	}
}

// ErrStopped means a read failed because the governing rate counter was stopped.
var ErrStopped = errors.New("RateCounter stopped")

// Wrap returns a reader whose reads are limited by this RateCounter. A nil
// RateCounter returns reader unchanged.
func (r *RateCounter) Wrap(reader io.Reader) io.Reader {
	if r == nil {
		return reader
	}
	return rateReader{reader: reader, rate: r}
}

type rateReader struct {
	reader io.Reader
	rate   *RateCounter
}

func (r rateReader) Read(p []byte) (int, error) {
	if _, ok := <-r.rate.c; !ok {
		return 0, ErrStopped
	}
	n, err := r.reader.Read(p)
	r.rate.Use(int64(n))
	return n, err
}
