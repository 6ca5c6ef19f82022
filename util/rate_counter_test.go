package util

import (
	"bytes"
	"io"
	"io/ioutil"
	"testing"
)

func TestRateCounterNil(t *testing.T) {
	var r *RateCounter = NewRateCounter(0)
	src := bytes.NewBufferString("hello world")
	if r.Wrap(src) != io.Reader(src) {
		t.Errorf("nil RateCounter should not wrap the reader")
	}
	r.Stop()
}

func TestRateCounterPassesData(t *testing.T) {
	r := NewRateCounter(1 << 20)
	defer r.Stop()
	data, err := ioutil.ReadAll(r.Wrap(bytes.NewBufferString("hello world")))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello world" {
		t.Errorf("Received %q, expected %q", data, "hello world")
	}
}

func TestRateCounterStopped(t *testing.T) {
	r := NewRateCounter(10)
	r.Stop()
	// drain until the refill goroutine notices the stop
	reader := r.Wrap(bytes.NewBufferString("0123456789"))
	var err error
	for i := 0; i < 100 && err != ErrStopped; i++ {
		_, err = reader.Read(make([]byte, 1))
	}
	if err != ErrStopped {
		t.Errorf("Received %v, expected %v", err, ErrStopped)
	}
}
