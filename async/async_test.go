package async

import (
	"context"
	"errors"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/filter"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/quota"
	"github.com/ndlib/archivegate/store"
)

const (
	id1 = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	id2 = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	id3 = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

// coldStore is a memory store whose keys are offline until thawed.
type coldStore struct {
	*store.Memory

	m        sync.Mutex
	online   map[string]bool
	restores int
	fail     error
}

func newCold() *coldStore {
	return &coldStore{Memory: store.NewMemory(), online: make(map[string]bool)}
}

func (c *coldStore) Online(key string) (bool, error) {
	c.m.Lock()
	defer c.m.Unlock()
	return c.online[key], nil
}

func (c *coldStore) Restore(key string) (bool, error) {
	c.m.Lock()
	defer c.m.Unlock()
	if c.fail != nil {
		return false, c.fail
	}
	c.restores++
	return true, nil
}

func (c *coldStore) thaw(key string) {
	c.m.Lock()
	c.online[key] = true
	c.m.Unlock()
}

func (c *coldStore) restoreCount() int {
	c.m.Lock()
	defer c.m.Unlock()
	return c.restores
}

func payload(id, data string) *product.Product {
	p := product.New(id, id)
	p.Size = int64(len(data))
	p.Stream = func() (io.ReadCloser, error) {
		return ioutil.NopCloser(strings.NewReader(data)), nil
	}
	return p
}

func newAsync(t *testing.T, counter quota.Counter) (*Store, *coldStore, *clock.Mock) {
	cold := newCold()
	idx := keystore.NewMemory()
	bs := datastore.NewBackendStore(datastore.Config{Name: "glacier", Priority: 10, Derived: true}, cold, keystore.New(idx, "glacier"), nil)
	s, err := New(bs, counter, 2)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	mock := clock.NewMock()
	s.Clock = mock
	ctx := context.Background()
	for _, id := range []string{id1, id2, id3} {
		if err := s.Set(ctx, id, payload(id, "data "+id)); err != nil {
			t.Fatalf("Received %v", err)
		}
	}
	return s, cold, mock
}

func TestOrderThenFetch(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	ctx := quota.WithPrincipal(context.Background(), "alice")

	if online, _ := s.IsOnline(ctx, id1); online {
		t.Errorf("product is online before any order")
	}
	_, err := s.Get(ctx, id1)
	if !errors.Is(err, datastore.ErrFetchPending) {
		t.Fatalf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	_, err = s.Get(ctx, id1)
	if !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	if n := cold.restoreCount(); n != 1 {
		t.Errorf("Received %d restores, expected 1", n)
	}
	if n, _ := counter.Running(ctx, "alice"); n != 1 {
		t.Errorf("Received %d running, expected 1", n)
	}
	orders := s.Orders()
	if len(orders) != 1 || orders[0].UUID != id1 || orders[0].Status != Pending || orders[0].Principal != "alice" {
		t.Errorf("Received %+v", orders)
	}

	cold.thaw(id1)
	s.Poll(ctx)
	if n, _ := counter.Running(ctx, "alice"); n != 0 {
		t.Errorf("Received %d running, expected 0", n)
	}
	if orders = s.Orders(); orders[0].Status != Completed {
		t.Errorf("Received %v, expected completed", orders[0].Status)
	}
	p, err := s.Get(ctx, id1)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	rc, _ := p.Open()
	data, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(data) != "data "+id1 {
		t.Errorf("Received %q", data)
	}

	// nothing to order for a product that is online
	if err := s.Order(ctx, id1); err != nil {
		t.Errorf("Received %v", err)
	}
	if n := cold.restoreCount(); n != 1 {
		t.Errorf("Received %d restores, expected 1", n)
	}
	if _, err := s.Get(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrNotFound)
	}
}

func TestConcurrentOrders(t *testing.T) {
	s, cold, _ := newAsync(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Get(ctx, id2)
		}()
	}
	wg.Wait()
	if n := cold.restoreCount(); n != 1 {
		t.Errorf("Received %d restores, expected 1", n)
	}
}

func TestFailedOrder(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	ctx := context.Background()
	cold.fail = errors.New("glacier unavailable")
	if err := s.Order(ctx, id1); err == nil {
		t.Errorf("Received nil error")
	}
	orders := s.Orders()
	if len(orders) != 1 || orders[0].Status != Failed || orders[0].Error != "glacier unavailable" {
		t.Errorf("Received %+v", orders)
	}
	if n, _ := counter.Running(ctx, quota.Anonymous); n != 0 {
		t.Errorf("Received %d running, expected 0", n)
	}
	// a failed order can be placed again
	cold.fail = nil
	if err := s.Order(ctx, id1); err != nil {
		t.Errorf("Received %v", err)
	}
	if s.Orders()[0].Status != Pending {
		t.Errorf("Received %+v", s.Orders())
	}
}

func TestPoller(t *testing.T) {
	s, cold, mock := newAsync(t, nil)
	s.KeepFinished = time.Hour
	ctx := context.Background()
	s.Order(ctx, id3)
	s.Start()
	cold.thaw(id3)
	mock.Add(s.PollInterval)
	for i := 0; i < 200; i++ {
		if s.Orders()[0].Status == Completed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if s.Orders()[0].Status != Completed {
		t.Fatalf("Received %+v", s.Orders())
	}
	// finished orders are eventually forgotten
	mock.Add(2 * time.Hour)
	s.Poll(ctx)
	if len(s.Orders()) != 0 {
		t.Errorf("Received %+v", s.Orders())
	}
	s.Close()
	if err := s.Order(ctx, id2); !errors.Is(err, ErrClosed) {
		t.Errorf("Received %v, expected %v", err, ErrClosed)
	}
}

func TestNotRestorer(t *testing.T) {
	bs := datastore.NewBackendStore(datastore.Config{Name: "plain"}, store.NewMemory(), nil, nil)
	if _, err := New(bs, nil, 1); !errors.Is(err, datastore.ErrInvalidConfiguration) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrInvalidConfiguration)
	}
}

func TestFetchLimiter(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	f := NewFetchLimiter(s, counter, 1)
	alice := quota.WithPrincipal(context.Background(), "alice")
	bob := quota.WithPrincipal(context.Background(), "bob")
	cold.thaw(id3)

	if _, err := f.Get(alice, id1); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	if _, err := f.Get(alice, id2); !errors.Is(err, datastore.ErrQuotaExceeded) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrQuotaExceeded)
	}
	if err := f.Order(alice, id2); !errors.Is(err, datastore.ErrQuotaExceeded) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrQuotaExceeded)
	}
	// joining a pending order starts no fetch
	if _, err := f.Get(alice, id1); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	if n := cold.restoreCount(); n != 1 {
		t.Errorf("Received %d restores, expected 1", n)
	}
	// online products are not limited
	if _, err := f.Get(alice, id3); err != nil {
		t.Errorf("Received %v", err)
	}
	if _, err := f.Get(bob, id2); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}

	// once alice's fetch completes she may start another
	cold.thaw(id1)
	s.Poll(alice)
	if _, err := f.Get(alice, id2); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
}

func TestFetchLimiterOverFilter(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	expr := filter.MustParse(`platform == 'Sentinel-1' || platform == 'Sentinel-2'`)
	f := NewFetchLimiter(NewVisibilityFilter(s, expr, MetadataFunc(platformSource)), counter, 1)
	alice := quota.WithPrincipal(context.Background(), "alice")

	// id3 has no metadata, so it is hidden
	if _, err := f.Get(alice, id3); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrNotFound)
	}
	if n, _ := counter.Running(alice, "alice"); n != 0 {
		t.Errorf("Received %d running, expected 0", n)
	}
	if _, err := f.Get(alice, id1); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	// the pending order is found through the filter
	if _, err := f.Get(alice, id1); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	if _, err := f.Get(alice, id2); !errors.Is(err, datastore.ErrQuotaExceeded) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrQuotaExceeded)
	}
	// hidden stays hidden when the quota is used up
	if _, err := f.Get(alice, id3); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrNotFound)
	}
	if n, _ := counter.Running(alice, "alice"); n != 1 {
		t.Errorf("Received %d running, expected 1", n)
	}
	if n := cold.restoreCount(); n != 1 {
		t.Errorf("Received %d restores, expected 1", n)
	}
}

func TestDerivedOnline(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	ctx := context.Background()
	if err := s.AddDerived(ctx, id1, keystore.Quicklook, payload(id1, "preview")); err != nil {
		t.Fatalf("Received %v", err)
	}
	key, err := s.BackendKey(id1, keystore.Quicklook)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	// the preview is online while the product is not
	cold.thaw(key)
	if online, _ := s.IsOnline(ctx, id1); online {
		t.Errorf("product is online")
	}
	if online, _ := s.IsOnlineDerived(ctx, id1, keystore.Quicklook); !online {
		t.Errorf("preview is offline")
	}

	f := NewFetchLimiter(s, counter, 1)
	alice := quota.WithPrincipal(ctx, "alice")
	if _, err := f.Get(alice, id2); !errors.Is(err, datastore.ErrFetchPending) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrFetchPending)
	}
	if _, err := f.GetDerived(alice, id1, keystore.Quicklook); err != nil {
		t.Errorf("Received %v", err)
	}

	m := datastore.NewManager(nil)
	m.Add(f)
	p, err := m.GetDerived(alice, id1, keystore.Quicklook)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	rc, _ := p.Open()
	data, _ := ioutil.ReadAll(rc)
	rc.Close()
	if string(data) != "preview" {
		t.Errorf("Received %q, expected %q", data, "preview")
	}
}

var platforms = map[string]map[string]string{
	id1: {"platform": "Sentinel-1", "size": "100"},
	id2: {"platform": "Sentinel-2", "size": "100"},
}

func platformSource(ctx context.Context, uuid string) (map[string]string, error) {
	meta, ok := platforms[uuid]
	if !ok {
		return nil, datastore.ErrNotFound
	}
	return meta, nil
}

func TestVisibilityFilter(t *testing.T) {
	counter := quota.NewMemory()
	s, cold, _ := newAsync(t, counter)
	cold.thaw(id1)
	cold.thaw(id2)
	expr := filter.MustParse(`platform == 'Sentinel-1'`)
	v := NewVisibilityFilter(NewFetchLimiter(s, counter, 5), expr, MetadataFunc(platformSource))
	ctx := context.Background()

	var listed []string
	for uuid := range v.List(ctx) {
		listed = append(listed, uuid)
	}
	if len(listed) != 1 || listed[0] != id1 {
		t.Errorf("Received %v, expected [%s]", listed, id1)
	}
	for _, id := range []string{id2, id3} {
		if has, _ := v.Has(ctx, id); has {
			t.Errorf("%s: hidden product is visible", id)
		}
		if _, err := v.Get(ctx, id); !errors.Is(err, datastore.ErrNotFound) {
			t.Errorf("%s: Received %v, expected %v", id, err, datastore.ErrNotFound)
		}
		if n, _ := v.ReferenceCount(ctx, id); n != 0 {
			t.Errorf("%s: Received %d references", id, n)
		}
		if online, _ := v.IsOnline(ctx, id); online {
			t.Errorf("%s: hidden product is online", id)
		}
	}
	if has, _ := v.Has(ctx, id1); !has {
		t.Errorf("visible product is missing")
	}
	// the contents are untouched
	if has, _ := s.Has(ctx, id2); !has {
		t.Errorf("hidden product was removed")
	}

	// the manager sees the decorated store
	m := datastore.NewManager(nil)
	m.Add(v)
	if _, err := m.Get(ctx, id2); !errors.Is(err, datastore.ErrNotFound) {
		t.Errorf("Received %v, expected %v", err, datastore.ErrNotFound)
	}
	if _, err := m.Get(ctx, id1); err != nil {
		t.Errorf("Received %v", err)
	}
}

func TestJSONMetadata(t *testing.T) {
	ms := store.NewMemory()
	w, _ := ms.Create(id1 + ".json")
	w.Write([]byte(`{"platform": "Sentinel-1", "size": 950, "ok": true, "nested": {"a": 1}}`))
	w.Close()
	src := JSONMetadata{Store: ms, Suffix: ".json"}

	meta, err := src.Metadata(context.Background(), id1)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	expected := map[string]string{"platform": "Sentinel-1", "size": "950", "ok": "true"}
	if len(meta) != len(expected) {
		t.Errorf("Received %v, expected %v", meta, expected)
	}
	for k, v := range expected {
		if meta[k] != v {
			t.Errorf("%s: Received %q, expected %q", k, meta[k], v)
		}
	}
	if _, err := src.Metadata(context.Background(), id2); !store.IsNotExist(err) {
		t.Errorf("Received %v", err)
	}
}
