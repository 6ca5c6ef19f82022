package store

import (
	"sync"
	"time"

	"github.com/facebookgo/clock"
)

// sizecache remembers the sizes of remote objects so repeated Stat and Open
// calls do not each cost a round trip. A size of sizeMissing records that the
// object does not exist. Misses expire sooner than hits.
type sizecache struct {
	clock clock.Clock

	m         sync.Mutex
	cache     map[string]sizeEntry
	sweeptime time.Time
}

type sizeEntry struct {
	expire time.Time
	size   int64
}

const (
	sizeMissing int64 = -1

	missTTL    = 10 * time.Minute
	hitTTL     = 24 * time.Hour
	sweepEvery = time.Hour
)

func newSizeCache(c clock.Clock) *sizecache {
	if c == nil {
		c = clock.New()
	}
	return &sizecache{
		clock: c,
		cache: make(map[string]sizeEntry),
	}
}

// Get returns the size of key. If it is not cached, fill is called and its
// answer cached. A fill error of ErrNotExist is cached as a miss; any other
// error is returned without being cached.
func (s *sizecache) Get(key string, fill func(key string) (int64, error)) (int64, error) {
	now := s.clock.Now()
	s.m.Lock()
	if now.After(s.sweeptime) {
		s.sweep(now)
	}
	entry, ok := s.cache[key]
	s.m.Unlock()
	if ok && now.Before(entry.expire) {
		if entry.size == sizeMissing {
			return 0, ErrNotExist
		}
		return entry.size, nil
	}
	// the lock is not held across fill, so two callers may both fill the
	// same key. The answers are the same.
	size, err := fill(key)
	switch {
	case err == nil:
		s.Set(key, size)
	case IsNotExist(err):
		s.Set(key, sizeMissing)
		err = ErrNotExist
	}
	return size, err
}

// Set caches a size for key. Use sizeMissing to mark the key as absent.
func (s *sizecache) Set(key string, size int64) {
	ttl := hitTTL
	if size == sizeMissing {
		ttl = missTTL
	}
	s.m.Lock()
	s.cache[key] = sizeEntry{expire: s.clock.Now().Add(ttl), size: size}
	s.m.Unlock()
}

// Forget drops anything cached for key.
func (s *sizecache) Forget(key string) {
	s.m.Lock()
	delete(s.cache, key)
	s.m.Unlock()
}

// sweep removes expired entries. Caller must hold s.m.
func (s *sizecache) sweep(now time.Time) {
	s.sweeptime = now.Add(sweepEvery)
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k)
		}
	}
}
