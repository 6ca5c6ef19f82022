package store

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory store. It is intended for tests and for small
// scratch stores.
type Memory struct {
	m     sync.RWMutex
	store map[string]*buf
}

var (
	_ Store = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*buf)}
}

// List returns a channel giving every key in the store. The keys are
// snapshotted when List is called.
func (ms *Memory) List() <-chan string {
	keys, _ := ms.ListPrefix("")
	c := make(chan string)
	go func() {
		for _, k := range keys {
			c <- k
		}
		close(c)
	}()
	return c
}

// ListPrefix returns the sorted keys which begin with prefix.
func (ms *Memory) ListPrefix(prefix string) ([]string, error) {
	var result []string
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result = append(result, k)
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result, nil
}

// Open returns a ReadAtCloser and the size of the given blob.
func (ms *Memory) Open(key string) (ReadAtCloser, int64, error) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	if !ok {
		return nil, 0, ErrNotExist
	}
	return v, int64(len(v.b)), nil
}

// Stat returns the size of key.
func (ms *Memory) Stat(key string) (int64, error) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	v, ok := ms.store[key]
	if !ok {
		return 0, ErrNotExist
	}
	return int64(len(v.b)), nil
}

// a buf is written exactly once. It is put into the map by Close, after
// which it is read only and may be shared between any number of readers.
type buf struct {
	ms   *Memory
	key  string
	done bool
	b    []byte
}

func (r *buf) Close() error {
	if r.done {
		return nil
	}
	r.ms.m.Lock()
	defer r.ms.m.Unlock()
	if _, ok := r.ms.store[r.key]; ok {
		// someone else wrote the key while we were open
		return ErrKeyExists
	}
	r.done = true
	r.ms.store[r.key] = r
	return nil
}

func (r *buf) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(r.b)) {
		return 0, io.EOF
	}
	n := copy(p, r.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *buf) Write(p []byte) (int, error) {
	r.b = append(r.b, p...)
	return len(p), nil
}

// Create returns a writer for a new key. The key becomes visible once the
// writer is closed.
func (ms *Memory) Create(key string) (io.WriteCloser, error) {
	ms.m.RLock()
	_, ok := ms.store[key]
	ms.m.RUnlock()
	if ok {
		return nil, ErrKeyExists
	}
	return &buf{ms: ms, key: key}, nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(key string) error {
	ms.m.Lock()
	delete(ms.store, key)
	ms.m.Unlock()
	return nil
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	keys, _ := ms.ListPrefix("")
	for _, k := range keys {
		ms.m.RLock()
		s := ms.store[k].b
		ms.m.RUnlock()
		if len(s) > 50 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
}
