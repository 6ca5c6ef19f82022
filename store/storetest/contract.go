// Package storetest checks that something implementing store.Store behaves
// the way the gateway expects: immutable keys, sized reads, idempotent
// deletes, and safe concurrent use.
package storetest

import (
	"bytes"
	"fmt"
	"io"
	"io/ioutil"
	"sort"
	"sync"
	"testing"

	"github.com/ndlib/archivegate/store"
)

// Exercise runs the store contract against s. The store should be empty, or
// at least hold no keys beginning with "storetest-".
func Exercise(t *testing.T, s store.Store) {
	const key = "storetest-0001"
	payload := []byte("the quick brown fox jumps over the lazy dog")

	if _, err := s.Stat(key); !store.IsNotExist(err) {
		t.Fatalf("Stat on missing key received %v", err)
	}
	write(t, s, key, payload)
	if _, err := s.Create(key); err != store.ErrKeyExists {
		t.Errorf("Received %v, expected %v", err, store.ErrKeyExists)
	}
	size, err := s.Stat(key)
	if err != nil || size != int64(len(payload)) {
		t.Errorf("Stat received %d, %v, expected %d", size, err, len(payload))
	}
	if got := read(t, s, key); !bytes.Equal(got, payload) {
		t.Errorf("Received %q, expected %q", got, payload)
	}

	keys, err := s.ListPrefix("storetest-")
	if err != nil || len(keys) != 1 || keys[0] != key {
		t.Errorf("ListPrefix received %v, %v", keys, err)
	}

	if err := s.Delete(key); err != nil {
		t.Errorf("Delete received %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Errorf("second Delete received %v", err)
	}
	if _, _, err := s.Open(key); !store.IsNotExist(err) {
		t.Errorf("Open after Delete received %v", err)
	}

	concurrent(t, s, 8)
}

// concurrent writes, reads, and deletes n keys from n goroutines.
func concurrent(t *testing.T, s store.Store, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("storetest-c%03d", i)
			data := bytes.Repeat([]byte{byte('a' + i)}, 1000*(i+1))
			write(t, s, key, data)
			if got := read(t, s, key); !bytes.Equal(got, data) {
				t.Errorf("%s: contents differ", key)
			}
		}(i)
	}
	wg.Wait()

	var listed []string
	for key := range s.List() {
		listed = append(listed, key)
	}
	sort.Strings(listed)
	var found int
	for _, key := range listed {
		if len(key) > 11 && key[:11] == "storetest-c" {
			found++
			s.Delete(key)
		}
	}
	if found != n {
		t.Errorf("List found %d keys, expected %d", found, n)
	}
}

func write(t *testing.T, s store.Store, key string, data []byte) {
	w, err := s.Create(key)
	if err != nil {
		t.Errorf("Create %s: %v", key, err)
		return
	}
	if _, err := w.Write(data); err != nil {
		t.Errorf("Write %s: %v", key, err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close %s: %v", key, err)
	}
}

func read(t *testing.T, s store.Store, key string) []byte {
	rac, size, err := s.Open(key)
	if err != nil {
		t.Errorf("Open %s: %v", key, err)
		return nil
	}
	defer rac.Close()
	data, err := ioutil.ReadAll(io.NewSectionReader(rac, 0, size))
	if err != nil {
		t.Errorf("Read %s: %v", key, err)
	}
	return data
}
