package store

import (
	"io/ioutil"
	"sort"
	"testing"
)

func TestPrefixSmoke(t *testing.T) {
	var prefixlists = []struct {
		input  string
		result []string
	}{
		{"", []string{"abc", "zed"}},
		{"a", []string{"abc"}},
		{"b", nil},
		{"z", []string{"zed"}},
	}
	m := NewMemory()
	ps := NewWithPrefix(m, "z")

	add(t, ps, "abc", "text 1")
	add(t, ps, "zed", "text 2")
	add(t, m, "qwerty", "text 3")

	for _, test := range prefixlists {
		ids, err := ps.ListPrefix(test.input)
		if err != nil {
			t.Errorf("Received error %s", err.Error())
		}
		sort.Strings(ids)
		if !equal(ids, test.result) {
			t.Errorf("ListPrefix(%q) received %v, expected %v", test.input, ids, test.result)
		}
	}

	ids, _ := m.ListPrefix("")
	if !equal(ids, []string{"qwerty", "zabc", "zzed"}) {
		t.Errorf("Received ids %v", ids)
	}

	size, err := ps.Stat("abc")
	if err != nil || size != 6 {
		t.Errorf("Received %d, %v, expected 6, nil", size, err)
	}
	if _, err := ps.Stat("qwerty"); !IsNotExist(err) {
		t.Errorf("Received %v, expected %v", err, ErrNotExist)
	}
}

func TestReadOnly(t *testing.T) {
	m := NewMemory()
	add(t, m, "abc", "hello")
	ro := ReadOnly(m)
	if _, err := ro.Create("xyz"); err != ErrReadOnly {
		t.Errorf("Received %v, expected %v", err, ErrReadOnly)
	}
	if err := ro.Delete("abc"); err != ErrReadOnly {
		t.Errorf("Received %v, expected %v", err, ErrReadOnly)
	}
	rac, _, err := ro.Open("abc")
	if err != nil {
		t.Fatalf("Received %v", err)
	}
	data, _ := ioutil.ReadAll(NewReadCloser(rac))
	rac.Close()
	if string(data) != "hello" {
		t.Errorf("Received %q, expected %q", data, "hello")
	}
}

func add(t *testing.T, s Store, id string, data string) {
	t.Helper()
	w, err := s.Create(id)
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
	_, err = w.Write([]byte(data))
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
	err = w.Close()
	if err != nil {
		t.Fatalf("Couldn't make %s, %s", id, err.Error())
	}
}
