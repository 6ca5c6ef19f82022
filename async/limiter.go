package async

import (
	"context"

	"github.com/ndlib/archivegate/datastore"
	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/quota"
)

// FetchLimiter rejects new fetches from a principal who already has Max
// fetches running. Reads of products that are online are never limited.
// Rejections are immediate; nothing waits for quota.
type FetchLimiter struct {
	datastore.AsyncStore
	Counter quota.Counter
	Max     int64 // zero or less means no limit
}

var _ datastore.AsyncStore = &FetchLimiter{}

func NewFetchLimiter(s datastore.AsyncStore, c quota.Counter, max int64) *FetchLimiter {
	return &FetchLimiter{AsyncStore: s, Counter: c, Max: max}
}

// orderBook is implemented by stores which remember their orders. A read
// that joins a pending order starts no new fetch.
type orderBook interface {
	Ordered(uuid, tag string) bool
}

func (f *FetchLimiter) ordered(uuid, tag string) bool {
	var s datastore.Store = f.AsyncStore
	for {
		switch x := s.(type) {
		case orderBook:
			return x.Ordered(uuid, tag)
		case *VisibilityFilter:
			s = x.AsyncStore
		case *FetchLimiter:
			s = x.AsyncStore
		default:
			return false
		}
	}
}

// allow returns ErrQuotaExceeded if the principal in ctx may not start
// another fetch.
func (f *FetchLimiter) allow(ctx context.Context) error {
	if f.Max <= 0 || f.Counter == nil {
		return nil
	}
	principal := quota.Principal(ctx)
	n, err := f.Counter.Running(ctx, principal)
	if err != nil {
		return &datastore.StoreError{Store: f.Name(), Op: "quota", Err: err}
	}
	if n >= f.Max {
		return &datastore.StoreError{Store: f.Name(), Op: "fetch " + principal, Err: datastore.ErrQuotaExceeded}
	}
	return nil
}

func (f *FetchLimiter) Get(ctx context.Context, uuid string) (*product.Product, error) {
	return f.GetDerived(ctx, uuid, keystore.Unaltered)
}

// GetDerived checks the quota when the product is offline, since the read
// would start a fetch. A product the store cannot report on, such as one
// hidden by a filter below, is passed down without using quota.
func (f *FetchLimiter) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	online, err := f.IsOnlineDerived(ctx, uuid, tag)
	if err == nil && !online && !f.ordered(uuid, tag) {
		if err := f.allow(ctx); err != nil {
			return nil, err
		}
	}
	return f.AsyncStore.GetDerived(ctx, uuid, tag)
}

func (f *FetchLimiter) Order(ctx context.Context, uuid string) error {
	if f.ordered(uuid, keystore.Unaltered) {
		return nil
	}
	if err := f.allow(ctx); err != nil {
		return err
	}
	return f.AsyncStore.Order(ctx, uuid)
}

func (f *FetchLimiter) ResourceLocation(ctx context.Context, uuid string) (string, error) {
	return resourceLocation(ctx, f.AsyncStore, uuid)
}

// resourceLocation asks s for the location of uuid if s is a Locator.
func resourceLocation(ctx context.Context, s datastore.Store, uuid string) (string, error) {
	l, ok := s.(datastore.Locator)
	if !ok {
		return "", &datastore.StoreError{Store: s.Name(), Op: "locate", Err: datastore.ErrNotFound}
	}
	return l.ResourceLocation(ctx, uuid)
}
