// Package datastore orchestrates the physical stores of the gateway.
//
// A Store is the uniform contract every store satisfies. BackendStore builds
// one over a store.Store backend, adding the restriction gate, derived
// artifacts, size accounting, and eviction requests. The Manager aggregates
// many Stores by priority, and is itself a Store.
package datastore

import (
	"context"

	"github.com/ndlib/archivegate/product"
)

// Store is the contract shared by every store, the decorators wrapping
// them, and the Manager.
//
// The unaltered methods act on keystore.Unaltered. Mutating methods fail
// with ErrReadOnlyStore when the store's restriction forbids them.
type Store interface {
	Name() string
	Priority() int
	Restriction() Restriction
	// Indexed is true if the store records its contents in the shared
	// keystore index. Unindexed stores answer from the backend itself.
	Indexed() bool
	CanHandleDerived() bool

	Get(ctx context.Context, uuid string) (*product.Product, error)
	Set(ctx context.Context, uuid string, p *product.Product) error
	Delete(ctx context.Context, uuid string) error
	Has(ctx context.Context, uuid string) (bool, error)

	// AddReference records that the data of p, already reachable by the
	// backend at p.Location, belongs to uuid. It returns false, and no
	// error, when the backend cannot reach p.Location.
	AddReference(ctx context.Context, uuid string, p *product.Product) (bool, error)
	DeleteReference(ctx context.Context, uuid string) error

	GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error)
	AddDerived(ctx context.Context, uuid, tag string, p *product.Product) error
	DeleteDerived(ctx context.Context, uuid, tag string) error
	HasDerived(ctx context.Context, uuid, tag string) (bool, error)

	// ReferenceCount is the number of entries, over all tags, the store
	// holds for uuid.
	ReferenceCount(ctx context.Context, uuid string) (int, error)

	// List sends the uuid of every unaltered product in the store. The
	// channel is closed at the end, or when ctx is done.
	List(ctx context.Context) <-chan string

	Close() error
}

// AsyncStore is a store whose products may need to be ordered, e.g. out of
// cold storage, before they can be read.
type AsyncStore interface {
	Store
	// IsOnline is true if Get would return the data right now.
	IsOnline(ctx context.Context, uuid string) (bool, error)
	// IsOnlineDerived is IsOnline for the product stored under tag.
	IsOnlineDerived(ctx context.Context, uuid, tag string) (bool, error)
	// Order asks for uuid to be brought online. It does not wait.
	Order(ctx context.Context, uuid string) error
}

// Sized is a store that keeps capacity accounting.
type Sized interface {
	CurrentSize() int64
	MaximumSize() int64
	ProductSize(ctx context.Context, uuid string) (int64, error)
}

// Locator is a store able to describe where a product physically lives.
type Locator interface {
	ResourceLocation(ctx context.Context, uuid string) (string, error)
}

// Movable is a store whose products can be renamed out to a directory.
// A moved product is no longer in the store.
type Movable interface {
	MoveProduct(ctx context.Context, uuid, dir string) (string, error)
}

// Evictor reclaims space in a store. Requests do not wait for the eviction
// to finish.
type Evictor interface {
	EvictAtLeast(store string, bytes int64)
	EvictAtLeastWithPolicy(policy, store string, bytes int64)
}
