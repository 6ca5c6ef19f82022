package store

import (
	"errors"
	"testing"
	"time"

	"github.com/facebookgo/clock"
)

func TestSizeCache(t *testing.T) {
	mock := clock.NewMock()
	sc := newSizeCache(mock)
	var calls int
	fill := func(key string) (int64, error) {
		calls++
		switch key {
		case "here":
			return 42, nil
		case "broken":
			return 0, errors.New("network down")
		}
		return 0, ErrNotExist
	}

	var table = []struct {
		key   string
		size  int64
		err   error
		calls int
	}{
		{"here", 42, nil, 1},
		{"here", 42, nil, 1},
		{"gone", 0, ErrNotExist, 2},
		{"gone", 0, ErrNotExist, 2},
		{"broken", 0, nil, 3},
		{"broken", 0, nil, 4},
	}
	for i, tab := range table {
		size, err := sc.Get(tab.key, fill)
		if size != tab.size {
			t.Errorf("%d: Received size %d, expected %d", i, size, tab.size)
		}
		if tab.err != nil && err != tab.err {
			t.Errorf("%d: Received %v, expected %v", i, err, tab.err)
		}
		if calls != tab.calls {
			t.Errorf("%d: Received %d fills, expected %d", i, calls, tab.calls)
		}
	}

	// misses expire first
	mock.Add(missTTL + time.Second)
	sc.Get("gone", fill)
	sc.Get("here", fill)
	if calls != 5 {
		t.Errorf("Received %d fills, expected %d", calls, 5)
	}

	sc.Forget("here")
	sc.Get("here", fill)
	if calls != 6 {
		t.Errorf("Received %d fills, expected %d", calls, 6)
	}
}
