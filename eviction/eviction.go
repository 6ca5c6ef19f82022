// Package eviction reclaims space in stores that have grown past their
// configured maximum.
//
// A Service is handed to each datastore.BackendStore as its Evictor. Requests
// from the insert path return at once and the work happens on a background
// goroutine; only one eviction runs per store at a time. Run performs the
// same work synchronously.
//
// Candidates are chosen by a policy:
//
//	fifo       oldest products first, in the order they were indexed
//	redundant  oldest first, but only products some other store also holds
package eviction

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	raven "github.com/getsentry/raven-go"
	"github.com/sourcegraph/conc/panics"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/keystore"
)

// Policy names.
const (
	FIFO      = "fifo"
	Redundant = "redundant"
)

var (
	// ErrUnknownPolicy means the policy name is not one of the known ones.
	ErrUnknownPolicy = errors.New("Unknown eviction policy")

	// ErrShortfall means every candidate was evicted and the request was
	// still not met.
	ErrShortfall = errors.New("Could not evict enough data")
)

// ValidPolicy is true if name names a policy. The empty string is the
// service default.
func ValidPolicy(name string) bool {
	switch name {
	case "", FIFO, Redundant:
		return true
	}
	return false
}

// A Registry finds stores by name. The datastore.Manager is one.
type Registry interface {
	GetByName(name string) (datastore.Store, error)
}

// Service carries out eviction requests.
type Service struct {
	// Default is the policy used when a request does not name one.
	Default string

	index    keystore.Index
	registry Registry

	wg sync.WaitGroup

	m      sync.Mutex
	locks  map[string]*sync.Mutex
	closed bool

	runs    int64 // atomic
	evicted int64 // atomic
	failed  int64 // atomic
}

var _ datastore.Evictor = &Service{}

// New returns a service using the FIFO policy by default. index may be nil,
// in which case the redundant policy can never find a candidate.
func New(index keystore.Index, registry Registry) *Service {
	return &Service{
		Default:  FIFO,
		index:    index,
		registry: registry,
		locks:    make(map[string]*sync.Mutex),
	}
}

// SetRegistry sets where stores are looked up. Stores are usually built
// before the manager holding them, so this breaks the cycle.
func (s *Service) SetRegistry(r Registry) {
	s.m.Lock()
	s.registry = r
	s.m.Unlock()
}

// EvictAtLeast starts an eviction of n bytes from the store using the
// default policy. It does not wait.
func (s *Service) EvictAtLeast(name string, n int64) {
	s.EvictAtLeastWithPolicy("", name, n)
}

// EvictAtLeastWithPolicy starts an eviction of n bytes from the store. It
// does not wait.
func (s *Service) EvictAtLeastWithPolicy(policy, name string, n int64) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		log.Println("Eviction: service closed, ignoring request for", name)
		return
	}
	s.wg.Add(1)
	s.m.Unlock()
	go func() {
		defer s.wg.Done()
		var pc panics.Catcher
		pc.Try(func() {
			_, err := s.Run(context.Background(), policy, name, n)
			if err != nil {
				log.Println("Eviction:", name, err)
				raven.CaptureError(err, map[string]string{"Store": name, "Policy": policy})
			}
		})
		if r := pc.Recovered(); r != nil {
			log.Println("Eviction: panic", name, r.Value)
			raven.CaptureError(r.AsError(), map[string]string{"Store": name})
		}
	}()
}

// Wait blocks until every eviction started so far has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Close refuses further requests and waits for the running ones.
func (s *Service) Close() {
	s.m.Lock()
	s.closed = true
	s.m.Unlock()
	s.wg.Wait()
}

func (s *Service) storeLock(name string) *sync.Mutex {
	s.m.Lock()
	defer s.m.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = new(sync.Mutex)
		s.locks[name] = l
	}
	return l
}

// Run evicts products from the named store until at least n bytes are
// freed, and returns the number of bytes freed. Evictions of the same store
// are serialized. Stores which cannot write data are refused, since their
// deletions drop only index entries.
func (s *Service) Run(ctx context.Context, policy, name string, n int64) (int64, error) {
	if policy == "" {
		policy = s.Default
	}
	if !ValidPolicy(policy) {
		return 0, ErrUnknownPolicy
	}
	s.m.Lock()
	registry := s.registry
	s.m.Unlock()
	if registry == nil {
		return 0, datastore.ErrInvalidConfiguration
	}
	target, err := registry.GetByName(name)
	if err != nil {
		return 0, err
	}
	// deleting from a store that does not own its data frees nothing
	if !target.Restriction().CanWriteData() {
		return 0, &datastore.StoreError{Store: name, Op: "evict", Err: datastore.ErrReadOnlyStore}
	}

	l := s.storeLock(name)
	l.Lock()
	defer l.Unlock()
	atomic.AddInt64(&s.runs, 1)

	candidates, err := s.candidates(ctx, policy, target)
	if err != nil {
		return 0, err
	}
	var freed int64
	for _, uuid := range candidates {
		if freed >= n {
			break
		}
		if err := ctx.Err(); err != nil {
			return freed, err
		}
		size, err := sizeOf(ctx, target, uuid)
		if err != nil {
			continue
		}
		err = target.Delete(ctx, uuid)
		if err != nil {
			atomic.AddInt64(&s.failed, 1)
			log.Println("Eviction:", name, uuid, err)
			raven.CaptureError(err, map[string]string{"Store": name, "UUID": uuid})
			continue
		}
		log.Println("Eviction:", name, "evicted", uuid, size)
		freed += size
		atomic.AddInt64(&s.evicted, size)
	}
	if freed < n {
		return freed, ErrShortfall
	}
	return freed, nil
}

func sizeOf(ctx context.Context, target datastore.Store, uuid string) (int64, error) {
	if sized, ok := target.(datastore.Sized); ok {
		return sized.ProductSize(ctx, uuid)
	}
	p, err := target.Get(ctx, uuid)
	if err != nil {
		return 0, err
	}
	return p.Size, nil
}

// candidates lists the products of target in eviction order.
func (s *Service) candidates(ctx context.Context, policy string, target datastore.Store) ([]string, error) {
	var uuids []string
	if s.index != nil && target.Indexed() {
		entries, err := s.index.Oldest(target.Name(), 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Tag == keystore.Unaltered {
				uuids = append(uuids, e.UUID)
			}
		}
	} else {
		for uuid := range target.List(ctx) {
			uuids = append(uuids, uuid)
		}
	}
	if policy != Redundant {
		return uuids, nil
	}
	if s.index == nil {
		return nil, nil
	}
	var result []string
	for _, uuid := range uuids {
		holders, err := s.index.StoresHolding(uuid, keystore.Unaltered)
		if err != nil {
			return nil, err
		}
		for _, h := range holders {
			if h != target.Name() {
				result = append(result, uuid)
				break
			}
		}
	}
	return result, nil
}

// Stats is a snapshot of the service counters.
type Stats struct {
	Runs    int64 // evictions run
	Evicted int64 // bytes freed
	Failed  int64 // product deletions that failed
}

// Stats returns the counters since the service started.
func (s *Service) Stats() Stats {
	return Stats{
		Runs:    atomic.LoadInt64(&s.runs),
		Evicted: atomic.LoadInt64(&s.evicted),
		Failed:  atomic.LoadInt64(&s.failed),
	}
}
