package eviction

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/store"
)

var ids = []string{
	"3fa85f64-5717-4562-b3fc-2c963f66afa6",
	"7c9e6679-7425-40de-944b-e07fc1f90ae7",
	"16fd2706-8baf-433b-82eb-8c7fada847da",
}

func tenBytes(id string) *product.Product {
	p := product.New(id, id)
	p.Size = 10
	p.Stream = func() (io.ReadCloser, error) {
		return ioutil.NopCloser(strings.NewReader("0123456789")), nil
	}
	return p
}

func setup(t *testing.T, maxA int64) (*datastore.Manager, *Service, *datastore.BackendStore) {
	idx := keystore.NewMemory()
	m := datastore.NewManager(idx)
	svc := New(idx, m)
	a := datastore.NewBackendStore(datastore.Config{
		Name:         "a",
		Priority:     1,
		MaximumSize:  maxA,
		AutoEviction: maxA > 0,
	}, store.NewMemory(), keystore.New(idx, "a"), svc)
	b := datastore.NewBackendStore(datastore.Config{Name: "b", Priority: 2}, store.NewMemory(), keystore.New(idx, "b"), nil)
	m.Add(a)
	m.Add(b)
	return m, svc, a
}

func TestFIFO(t *testing.T) {
	ctx := context.Background()
	m, svc, a := setup(t, 0)
	for _, id := range ids {
		m.AddProduct(ctx, id, tenBytes(id), "a")
	}
	freed, err := svc.Run(ctx, FIFO, "a", 15)
	if err != nil || freed != 20 {
		t.Errorf("Received %d, %v, expected 20", freed, err)
	}
	for i, id := range ids {
		has, _ := a.Has(ctx, id)
		if has != (i == 2) {
			t.Errorf("%s: Received %v", id, has)
		}
	}
	if a.CurrentSize() != 10 {
		t.Errorf("Received size %d, expected 10", a.CurrentSize())
	}

	freed, err = svc.Run(ctx, "", "a", 1000)
	if err != ErrShortfall || freed != 10 {
		t.Errorf("Received %d, %v, expected 10, %v", freed, err, ErrShortfall)
	}
	st := svc.Stats()
	if st.Runs != 2 || st.Evicted != 30 || st.Failed != 0 {
		t.Errorf("Received %+v", st)
	}
}

func TestRedundant(t *testing.T) {
	ctx := context.Background()
	m, svc, a := setup(t, 0)
	for _, id := range ids {
		m.AddProduct(ctx, id, tenBytes(id), "a")
	}
	m.AddProduct(ctx, ids[1], tenBytes(ids[1]), "b")

	freed, err := svc.Run(ctx, Redundant, "a", 30)
	if err != ErrShortfall || freed != 10 {
		t.Errorf("Received %d, %v", freed, err)
	}
	for i, id := range ids {
		has, _ := a.Has(ctx, id)
		if has != (i != 1) {
			t.Errorf("%s: Received %v", id, has)
		}
	}
	if has, _ := m.Has(ctx, ids[1]); !has {
		t.Errorf("the only remaining copy was evicted")
	}
}

func TestAutoEviction(t *testing.T) {
	ctx := context.Background()
	m, svc, a := setup(t, 25)
	for _, id := range ids {
		if err := m.AddProduct(ctx, id, tenBytes(id), "a"); err != nil {
			t.Fatalf("Received %v", err)
		}
	}
	svc.Wait()
	if has, _ := a.Has(ctx, ids[0]); has {
		t.Errorf("oldest product was not evicted")
	}
	if a.CurrentSize() != 20 {
		t.Errorf("Received size %d, expected 20", a.CurrentSize())
	}
	svc.Close()
	// ignored once closed
	svc.EvictAtLeast("a", 100)
	svc.Wait()
	if a.CurrentSize() != 20 {
		t.Errorf("Received size %d, expected 20", a.CurrentSize())
	}
}

func TestBadRequests(t *testing.T) {
	ctx := context.Background()
	_, svc, _ := setup(t, 0)
	if _, err := svc.Run(ctx, "lottery", "a", 1); err != ErrUnknownPolicy {
		t.Errorf("Received %v, expected %v", err, ErrUnknownPolicy)
	}
	if _, err := svc.Run(ctx, FIFO, "nowhere", 1); err == nil {
		t.Errorf("Received nil error for a missing store")
	}
	if ValidPolicy("lottery") || !ValidPolicy("") || !ValidPolicy(Redundant) {
		t.Errorf("ValidPolicy is wrong")
	}
}

func TestReferencesOnlyEviction(t *testing.T) {
	ctx := context.Background()
	idx := keystore.NewMemory()
	m := datastore.NewManager(idx)
	svc := New(idx, m)
	backend := store.NewMemory()
	refs := datastore.NewBackendStore(datastore.Config{Name: "refs", Restriction: datastore.ReferencesOnly}, backend, keystore.New(idx, "refs"), nil)
	m.Add(refs)

	w, _ := backend.Create("external-blob")
	w.Write([]byte("0123456789"))
	w.Close()
	p := product.New(ids[0], "ref")
	p.Location = "external-blob"
	if ok, err := refs.AddReference(ctx, ids[0], p); !ok || err != nil {
		t.Fatalf("Received %v, %v, expected true, nil", ok, err)
	}

	freed, err := svc.Run(ctx, FIFO, "refs", 5)
	if !errors.Is(err, datastore.ErrReadOnlyStore) || freed != 0 {
		t.Errorf("Received %d, %v, expected 0, %v", freed, err, datastore.ErrReadOnlyStore)
	}
	if has, _ := refs.Has(ctx, ids[0]); !has {
		t.Errorf("reference was removed")
	}
	if _, err := backend.Stat("external-blob"); err != nil {
		t.Errorf("Received %v", err)
	}
}
