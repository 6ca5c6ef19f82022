package datastore

import (
	"context"
	"io"
	"io/ioutil"
	"strings"
	"sync"

	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/store"
)

const (
	id1 = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	id2 = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	id3 = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

func bytesProduct(id, data string) *product.Product {
	p := product.New(id, "test-"+id)
	p.Size = int64(len(data))
	p.Stream = func() (io.ReadCloser, error) {
		return ioutil.NopCloser(strings.NewReader(data)), nil
	}
	return p
}

func readProduct(p *product.Product) string {
	rc, err := p.Open()
	if err != nil {
		return "error: " + err.Error()
	}
	defer rc.Close()
	data, _ := ioutil.ReadAll(rc)
	return string(data)
}

// newMemStore returns an indexed store over a memory backend.
func newMemStore(idx keystore.Index, name string, priority int, r Restriction) *BackendStore {
	cfg := Config{Name: name, Priority: priority, Restriction: r, Derived: true}
	return NewBackendStore(cfg, store.NewMemory(), keystore.New(idx, name), nil)
}

type evictRequest struct {
	policy, store string
	bytes         int64
	sizeAtRequest int64
}

// recordEvictor remembers every request, and the store's size at the time.
type recordEvictor struct {
	m        sync.Mutex
	target   Sized
	requests []evictRequest
}

func (r *recordEvictor) EvictAtLeast(name string, n int64) {
	r.EvictAtLeastWithPolicy("", name, n)
}

func (r *recordEvictor) EvictAtLeastWithPolicy(policy, name string, n int64) {
	r.m.Lock()
	defer r.m.Unlock()
	var size int64
	if r.target != nil {
		size = r.target.CurrentSize()
	}
	r.requests = append(r.requests, evictRequest{policy, name, n, size})
}

// recordStore notes the order stores are read from.
type recordStore struct {
	Store
	m   *sync.Mutex
	log *[]string
}

func (r recordStore) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	r.m.Lock()
	*r.log = append(*r.log, r.Name())
	r.m.Unlock()
	return r.Store.GetDerived(ctx, uuid, tag)
}

// failStore fails every write with err.
type failStore struct {
	Store
	err error
}

func (f failStore) Set(ctx context.Context, uuid string, p *product.Product) error {
	return f.err
}
