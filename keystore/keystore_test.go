package keystore

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

const (
	id1 = "3fa85f64-5717-4562-b3fc-2c963f66afa6"
	id2 = "7c9e6679-7425-40de-944b-e07fc1f90ae7"
	id3 = "16fd2706-8baf-433b-82eb-8c7fada847da"
)

// testIndex runs the Index contract. tick moves the index's clock forward.
func testIndex(t *testing.T, idx Index, tick func()) {
	defer idx.Close()

	// uniqueness: the second put fails and leaves the first entry alone
	if err := idx.Put("a", id1, Unaltered, "loc-1"); err != nil {
		t.Fatalf("Received %v", err)
	}
	if err := idx.Put("a", id1, Unaltered, "loc-2"); err != ErrAlreadyExists {
		t.Errorf("Received %v, expected %v", err, ErrAlreadyExists)
	}
	e, err := idx.Get("a", id1, Unaltered)
	if err != nil || e.Location != "loc-1" {
		t.Errorf("Received %v, %v, expected loc-1", e, err)
	}
	if e.Store != "a" || e.UUID != id1 || e.Tag != Unaltered {
		t.Errorf("Received %+v", e)
	}

	tick()
	idx.Put("a", id1, Quicklook, "loc-1q")
	tick()
	idx.Put("a", id2, Unaltered, "loc-2")
	tick()
	idx.Put("b", id1, Unaltered, "b-1")
	tick()
	idx.Put("a", id3, Unaltered, "loc-3")

	var table = []struct {
		store, uuid, tag string
		exists           bool
	}{
		{"a", id1, Unaltered, true},
		{"a", id1, Quicklook, true},
		{"a", id1, Thumbnail, false},
		{"b", id1, Unaltered, true},
		{"b", id2, Unaltered, false},
		{"c", id1, Unaltered, false},
	}
	for _, tab := range table {
		ok, err := idx.Exists(tab.store, tab.uuid, tab.tag)
		if err != nil || ok != tab.exists {
			t.Errorf("Exists(%s, %s, %s) = %v, %v, expected %v", tab.store, tab.uuid, tab.tag, ok, err, tab.exists)
		}
	}

	entries, err := idx.EntriesForUUID("a", id1)
	if err != nil || len(entries) != 2 {
		t.Fatalf("Received %v, %v, expected 2 entries", entries, err)
	}
	tags := []string{entries[0].Tag, entries[1].Tag}
	sort.Strings(tags)
	if tags[0] != Quicklook || tags[1] != Unaltered {
		t.Errorf("Received tags %v", tags)
	}

	oldest, err := idx.Oldest("a", 0)
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	var order []string
	for _, e := range oldest {
		order = append(order, e.Location)
	}
	goal := []string{"loc-1", "loc-1q", "loc-2", "loc-3"}
	if !equal(order, goal) {
		t.Errorf("Received %v, expected %v", order, goal)
	}
	oldest, _ = idx.Oldest("a", 2)
	if len(oldest) != 2 || oldest[1].Location != "loc-1q" {
		t.Errorf("Received %v", oldest)
	}

	holders, _ := idx.StoresHolding(id1, Unaltered)
	sort.Strings(holders)
	if !equal(holders, []string{"a", "b"}) {
		t.Errorf("Received %v, expected [a b]", holders)
	}
	holders, _ = idx.StoresHolding(id1, Thumbnail)
	if len(holders) != 0 {
		t.Errorf("Received %v, expected none", holders)
	}

	if err := idx.Remove("a", id1, Unaltered); err != nil {
		t.Errorf("Received %v", err)
	}
	if err := idx.Remove("a", id1, Unaltered); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
	if _, err := idx.Get("a", id1, Unaltered); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
	holders, _ = idx.StoresHolding(id1, Unaltered)
	if !equal(holders, []string{"b"}) {
		t.Errorf("Received %v, expected [b]", holders)
	}
	oldest, _ = idx.Oldest("a", 0)
	if len(oldest) != 3 {
		t.Errorf("Received %d entries, expected 3", len(oldest))
	}

	// replace is remove then put
	if err := idx.Put("a", id1, Unaltered, "loc-new"); err != nil {
		t.Errorf("Received %v", err)
	}
}

// concurrent writers of the same triple: exactly one wins
func testIndexRace(t *testing.T, idx Index) {
	defer idx.Close()
	const n = 10
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- idx.Put("race", id1, Unaltered, "somewhere")
		}()
	}
	wg.Wait()
	close(results)
	var ok, dup int
	for err := range results {
		switch err {
		case nil:
			ok++
		case ErrAlreadyExists:
			dup++
		default:
			t.Errorf("Received %v", err)
		}
	}
	if ok != 1 || dup != n-1 {
		t.Errorf("Received %d successes and %d duplicates", ok, dup)
	}
}

func TestMemoryIndex(t *testing.T) {
	idx := NewMemory()
	mock := clock.NewMock()
	idx.Clock = mock
	testIndex(t, idx, func() { mock.Add(time.Second) })
	testIndexRace(t, NewMemory())
}

func TestQLIndex(t *testing.T) {
	idx, err := NewQL("memory")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	mock := clock.NewMock()
	mock.Add(time.Hour)
	idx.Clock = mock
	testIndex(t, idx, func() { mock.Add(time.Second) })

	idx, err = NewQL("memory")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	testIndexRace(t, idx)
}

func TestBadgerIndex(t *testing.T) {
	idx, err := NewBadger("")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	mock := clock.NewMock()
	mock.Add(time.Hour)
	idx.Clock = mock
	testIndex(t, idx, func() { mock.Add(time.Second) })

	idx, err = NewBadger("")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	testIndexRace(t, idx)
}

func TestKeyStoreView(t *testing.T) {
	idx := NewMemory()
	a := New(idx, "a")
	b := New(idx, "b")
	a.Put(id1, Unaltered, "x")
	if ok, _ := b.Exists(id1, Unaltered); ok {
		t.Errorf("store b sees store a's entry")
	}
	loc, err := a.Get(id1, Unaltered)
	if err != nil || loc != "x" {
		t.Errorf("Received %s, %v", loc, err)
	}
	if a.Name() != "a" || a.Index() != Index(idx) {
		t.Errorf("view lost its identity")
	}
	entries, _ := a.OldestEntries(0)
	if len(entries) != 1 {
		t.Errorf("Received %d entries, expected 1", len(entries))
	}
	if err := b.Remove(id1, Unaltered); err != ErrNotFound {
		t.Errorf("Received %v, expected %v", err, ErrNotFound)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
