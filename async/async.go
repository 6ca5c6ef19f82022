// Package async holds the stores whose data must be ordered before it can
// be read, such as objects archived to S3 Glacier, and the decorators that
// police them.
//
// A Store places a restore order the first time an offline product is
// requested and answers datastore.ErrFetchPending until a background poller
// sees the product come online. Orders count against the requesting
// principal in a quota.Counter while they are running. FetchLimiter and
// VisibilityFilter wrap any datastore.AsyncStore, and each other.
package async

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/golang/groupcache/singleflight"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/quota"
	"github.com/ndlib/archivegate/store"
	"github.com/ndlib/archivegate/util"
)

// ErrClosed is returned for orders placed after Close.
var ErrClosed = errors.New("Async store is closed")

// Status of an order.
type Status int

const (
	Pending Status = iota
	Completed
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	}
	return "failed"
}

// MarshalText lets the status appear by name in JSON.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Order records one request to bring a product online.
type Order struct {
	UUID      string
	Tag       string
	Principal string
	Placed    time.Time
	Finished  time.Time `json:",omitempty"`
	Status    Status
	Error     string `json:",omitempty"`
}

// Store is an order-then-fetch store over a BackendStore whose backend is a
// store.Restorer.
type Store struct {
	*datastore.BackendStore

	// Clock drives the poller. Set before Start.
	Clock clock.Clock
	// PollInterval is how often pending orders are checked.
	PollInterval time.Duration
	// KeepFinished is how long finished orders stay in Orders().
	KeepFinished time.Duration

	restorer store.Restorer
	counter  quota.Counter
	gate     *util.Gate
	flight   singleflight.Group

	m      sync.Mutex
	orders map[string]*Order // by backend key

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ datastore.AsyncStore = &Store{}

// New wraps bs. At most maxRestores restore requests are sent to the
// backend at once. counter may be nil.
func New(bs *datastore.BackendStore, counter quota.Counter, maxRestores int) (*Store, error) {
	restorer, ok := bs.Backend().(store.Restorer)
	if !ok {
		return nil, &datastore.StoreError{Store: bs.Name(), Op: "async", Err: datastore.ErrInvalidConfiguration}
	}
	if counter == nil {
		counter = quota.NewMemory()
	}
	if maxRestores < 1 {
		maxRestores = 1
	}
	return &Store{
		BackendStore: bs,
		Clock:        clock.New(),
		PollInterval: time.Minute,
		KeepFinished: 24 * time.Hour,
		restorer:     restorer,
		counter:      counter,
		gate:         util.NewGate(maxRestores),
		orders:       make(map[string]*Order),
	}, nil
}

func (s *Store) IsOnline(ctx context.Context, uuid string) (bool, error) {
	return s.IsOnlineDerived(ctx, uuid, keystore.Unaltered)
}

func (s *Store) IsOnlineDerived(ctx context.Context, uuid, tag string) (bool, error) {
	key, err := s.BackendKey(uuid, tag)
	if err != nil {
		return false, err
	}
	return s.restorer.Online(key)
}

func (s *Store) Get(ctx context.Context, uuid string) (*product.Product, error) {
	return s.GetDerived(ctx, uuid, keystore.Unaltered)
}

// GetDerived returns the product if it is online. Otherwise an order is
// placed, if none is pending, and ErrFetchPending is returned.
func (s *Store) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	key, err := s.BackendKey(uuid, tag)
	if err != nil {
		return nil, err
	}
	online, err := s.restorer.Online(key)
	if err != nil {
		return nil, &datastore.StoreError{Store: s.Name(), Op: "get", Err: err}
	}
	if online {
		return s.BackendStore.GetDerived(ctx, uuid, tag)
	}
	if err := s.place(ctx, uuid, tag, key); err != nil {
		return nil, err
	}
	return nil, &datastore.StoreError{Store: s.Name(), Op: "get", Err: datastore.ErrFetchPending}
}

// Order brings the product online. It does nothing if the product is
// already online or has an order pending.
func (s *Store) Order(ctx context.Context, uuid string) error {
	key, err := s.BackendKey(uuid, keystore.Unaltered)
	if err != nil {
		return err
	}
	online, err := s.restorer.Online(key)
	if err != nil || online {
		return err
	}
	return s.place(ctx, uuid, keystore.Unaltered, key)
}

// Ordered is true if (uuid, tag) has an order pending.
func (s *Store) Ordered(uuid, tag string) bool {
	key, err := s.BackendKey(uuid, tag)
	return err == nil && s.pending(key)
}

func (s *Store) pending(key string) bool {
	s.m.Lock()
	defer s.m.Unlock()
	o, ok := s.orders[key]
	return ok && o.Status == Pending
}

// place sends one restore request for key. Concurrent callers for the same
// key share the request.
func (s *Store) place(ctx context.Context, uuid, tag, key string) error {
	_, err := s.flight.Do(key, func() (interface{}, error) {
		if s.pending(key) {
			return nil, nil
		}
		if !s.gate.Enter() {
			return nil, ErrClosed
		}
		defer s.gate.Leave()
		principal := quota.Principal(ctx)
		if _, err := s.counter.Acquire(ctx, principal); err != nil {
			return nil, err
		}
		o := &Order{
			UUID:      uuid,
			Tag:       tag,
			Principal: principal,
			Placed:    s.Clock.Now(),
		}
		_, err := s.restorer.Restore(key)
		if err != nil {
			s.counter.Release(ctx, principal)
			o.Status = Failed
			o.Finished = o.Placed
			o.Error = err.Error()
			log.Println("Async", s.Name(), "restore", key, err)
			raven.CaptureError(err, map[string]string{"Store": s.Name(), "Key": key})
		} else {
			log.Println("Async", s.Name(), "ordered", key, "for", principal)
		}
		s.m.Lock()
		s.orders[key] = o
		s.m.Unlock()
		return nil, err
	})
	if err != nil {
		return &datastore.StoreError{Store: s.Name(), Op: "order", Err: err}
	}
	return nil
}

// Orders returns a snapshot of the known orders, oldest first.
func (s *Store) Orders() []Order {
	s.m.Lock()
	result := make([]Order, 0, len(s.orders))
	for _, o := range s.orders {
		result = append(result, *o)
	}
	s.m.Unlock()
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Placed.Equal(result[j].Placed) {
			return result[i].Placed.Before(result[j].Placed)
		}
		return result[i].UUID < result[j].UUID
	})
	return result
}

// Poll checks every pending order once. Orders whose product is online are
// completed and their quota released. Finished orders past KeepFinished
// are forgotten.
func (s *Store) Poll(ctx context.Context) {
	s.m.Lock()
	var keys []string
	for key, o := range s.orders {
		if o.Status == Pending {
			keys = append(keys, key)
		}
	}
	s.m.Unlock()

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		online, err := s.restorer.Online(key)
		if err != nil {
			log.Println("Async", s.Name(), "poll", key, err)
			continue
		}
		if !online {
			continue
		}
		s.m.Lock()
		o := s.orders[key]
		if o == nil || o.Status != Pending {
			s.m.Unlock()
			continue
		}
		o.Status = Completed
		o.Finished = s.Clock.Now()
		principal := o.Principal
		s.m.Unlock()
		log.Println("Async", s.Name(), "online", key)
		if err := s.counter.Release(ctx, principal); err != nil {
			log.Println("Async", s.Name(), "release", principal, err)
		}
	}

	cutoff := s.Clock.Now().Add(-s.KeepFinished)
	s.m.Lock()
	for key, o := range s.orders {
		if o.Status != Pending && o.Finished.Before(cutoff) {
			delete(s.orders, key)
		}
	}
	s.m.Unlock()
}

// Start runs the poller until Close.
func (s *Store) Start() {
	s.stop = make(chan struct{})
	ticker := s.Clock.Ticker(s.PollInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Poll(context.Background())
			}
		}
	}()
}

// Close stops the poller, refuses new orders, and closes the store.
func (s *Store) Close() error {
	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
		s.stop = nil
	}
	s.gate.Stop()
	return s.BackendStore.Close()
}
