package async

import (
	"context"
	"errors"
	"log"

	"github.com/antonholmquist/jason"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/filter"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/store"
)

// A MetadataSource supplies the fields visibility expressions are evaluated
// against.
type MetadataSource interface {
	Metadata(ctx context.Context, uuid string) (map[string]string, error)
}

// MetadataFunc adapts a function to a MetadataSource.
type MetadataFunc func(ctx context.Context, uuid string) (map[string]string, error)

func (f MetadataFunc) Metadata(ctx context.Context, uuid string) (map[string]string, error) {
	return f(ctx, uuid)
}

// VisibilityFilter hides the products whose metadata does not match Expr.
// Hidden products are absent from List, Has, IsOnline, Get, and
// ReferenceCount. The wrapped store is not changed.
type VisibilityFilter struct {
	datastore.AsyncStore
	Expr   filter.Expression
	Source MetadataSource
}

var _ datastore.AsyncStore = &VisibilityFilter{}

func NewVisibilityFilter(s datastore.AsyncStore, expr filter.Expression, source MetadataSource) *VisibilityFilter {
	return &VisibilityFilter{AsyncStore: s, Expr: expr, Source: source}
}

func (v *VisibilityFilter) visible(ctx context.Context, uuid string) bool {
	if v.Expr == nil {
		return true
	}
	if v.Source == nil {
		return v.Expr.Match(nil)
	}
	meta, err := v.Source.Metadata(ctx, uuid)
	if err != nil {
		if !errors.Is(err, datastore.ErrNotFound) && !store.IsNotExist(err) {
			log.Println("Visibility", v.Name(), uuid, err)
		}
		return false
	}
	return v.Expr.Match(meta)
}

func (v *VisibilityFilter) hidden(op string) error {
	return &datastore.StoreError{Store: v.Name(), Op: op, Err: datastore.ErrNotFound}
}

func (v *VisibilityFilter) Get(ctx context.Context, uuid string) (*product.Product, error) {
	return v.GetDerived(ctx, uuid, keystore.Unaltered)
}

func (v *VisibilityFilter) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	if !v.visible(ctx, uuid) {
		return nil, v.hidden("get")
	}
	return v.AsyncStore.GetDerived(ctx, uuid, tag)
}

func (v *VisibilityFilter) Has(ctx context.Context, uuid string) (bool, error) {
	return v.HasDerived(ctx, uuid, keystore.Unaltered)
}

func (v *VisibilityFilter) HasDerived(ctx context.Context, uuid, tag string) (bool, error) {
	if !v.visible(ctx, uuid) {
		return false, nil
	}
	return v.AsyncStore.HasDerived(ctx, uuid, tag)
}

func (v *VisibilityFilter) IsOnline(ctx context.Context, uuid string) (bool, error) {
	return v.IsOnlineDerived(ctx, uuid, keystore.Unaltered)
}

func (v *VisibilityFilter) IsOnlineDerived(ctx context.Context, uuid, tag string) (bool, error) {
	if !v.visible(ctx, uuid) {
		return false, v.hidden("online")
	}
	return v.AsyncStore.IsOnlineDerived(ctx, uuid, tag)
}

func (v *VisibilityFilter) Order(ctx context.Context, uuid string) error {
	if !v.visible(ctx, uuid) {
		return v.hidden("order")
	}
	return v.AsyncStore.Order(ctx, uuid)
}

func (v *VisibilityFilter) ReferenceCount(ctx context.Context, uuid string) (int, error) {
	if !v.visible(ctx, uuid) {
		return 0, nil
	}
	return v.AsyncStore.ReferenceCount(ctx, uuid)
}

func (v *VisibilityFilter) List(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		in := v.AsyncStore.List(ctx)
		defer func() {
			for range in {
			}
		}()
		for uuid := range in {
			if !v.visible(ctx, uuid) {
				continue
			}
			select {
			case out <- uuid:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// JSONMetadata reads metadata from JSON documents named uuid+Suffix in a
// backend store. Only top level strings, numbers, and booleans are kept.
type JSONMetadata struct {
	Store  store.ROStore
	Suffix string
}

func (j JSONMetadata) Metadata(ctx context.Context, uuid string) (map[string]string, error) {
	rac, _, err := j.Store.Open(uuid + j.Suffix)
	if err != nil {
		return nil, err
	}
	defer rac.Close()
	obj, err := jason.NewObjectFromReader(store.NewReader(rac))
	if err != nil {
		return nil, err
	}
	result := make(map[string]string)
	for k, val := range obj.Map() {
		if s, err := val.String(); err == nil {
			result[k] = s
		} else if n, err := val.Number(); err == nil {
			result[k] = n.String()
		} else if b, err := val.Boolean(); err == nil {
			if b {
				result[k] = "true"
			} else {
				result[k] = "false"
			}
		}
	}
	return result, nil
}

func (v *VisibilityFilter) ResourceLocation(ctx context.Context, uuid string) (string, error) {
	if !v.visible(ctx, uuid) {
		return "", v.hidden("locate")
	}
	return resourceLocation(ctx, v.AsyncStore, uuid)
}
