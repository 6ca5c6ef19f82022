package datastore

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
)

type setterFunc func(ctx context.Context, uuid string, p *product.Product) error

func (f setterFunc) Set(ctx context.Context, uuid string, p *product.Product) error {
	return f(ctx, uuid, p)
}

func TestParallelSetter(t *testing.T) {
	ctx := context.Background()
	idx := keystore.NewMemory()
	s := newMemStore(idx, "a", 1, None)
	ps := NewParallelSetter(3)

	var handles []*Handle
	for _, id := range []string{id1, id2, id3} {
		h, err := ps.Submit(s, id, bytesProduct(id, "data "+id))
		if err != nil {
			t.Fatalf("Received %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if err := h.Wait(ctx); err != nil {
			t.Errorf("%s: Received %v", h.UUID, err)
		}
	}
	ps.Shutdown()
	for _, id := range []string{id1, id2, id3} {
		if has, _ := s.Has(ctx, id); !has {
			t.Errorf("%s missing", id)
		}
	}
	if _, err := ps.Submit(s, id1, bytesProduct(id1, "")); err != ErrShutdown {
		t.Errorf("Received %v, expected %v", err, ErrShutdown)
	}
}

func TestParallelSetterPanic(t *testing.T) {
	ps := NewParallelSetter(1)
	defer ps.Shutdown()
	h, _ := ps.Submit(setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		panic("store exploded")
	}), id1, nil)
	err := h.Wait(context.Background())
	if err == nil || !strings.Contains(err.Error(), "store exploded") {
		t.Errorf("Received %v", err)
	}

	// the worker survives
	h, _ = ps.Submit(setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		return nil
	}), id2, nil)
	if err := h.Wait(context.Background()); err != nil {
		t.Errorf("Received %v", err)
	}
}

func TestParallelSetterShutdownNow(t *testing.T) {
	started := make(chan struct{})
	blocking := setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	idle := setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		return nil
	})

	ps := NewParallelSetter(1)
	running, _ := ps.Submit(blocking, id1, nil)
	<-started
	var queued []*Handle
	for _, id := range []string{id2, id3, id2} {
		h, _ := ps.Submit(idle, id, nil)
		queued = append(queued, h)
	}
	if ps.Pending() != 3 {
		t.Errorf("Received %d pending, expected 3", ps.Pending())
	}

	cancelled := ps.ShutdownNow()
	ps.Wait()
	if len(cancelled) != 3 {
		t.Errorf("Received %d cancelled, expected 3", len(cancelled))
	}
	for _, h := range queued {
		if h.Err() != ErrCancelled {
			t.Errorf("%s: Received %v, expected %v", h.UUID, h.Err(), ErrCancelled)
		}
	}
	if err := running.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Errorf("Received %v, expected %v", err, context.Canceled)
	}
}

func TestHandleCancel(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	ps := NewParallelSetter(1)
	defer ps.Shutdown()
	first, _ := ps.Submit(setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		close(started)
		<-release
		return nil
	}), id1, nil)
	second, _ := ps.Submit(setterFunc(func(ctx context.Context, uuid string, p *product.Product) error {
		t.Errorf("cancelled submission ran")
		return nil
	}), id2, nil)
	<-started

	if !second.Cancel() {
		t.Errorf("queued Cancel received false")
	}
	if first.Cancel() {
		t.Errorf("running Cancel received true")
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Wait(ctx); err != nil {
		t.Errorf("Received %v", err)
	}
	if err := second.Wait(ctx); err != ErrCancelled {
		t.Errorf("Received %v, expected %v", err, ErrCancelled)
	}
}
