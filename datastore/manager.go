package datastore

import (
	"context"
	"log"
	"sort"
	"sync"

	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/util"
)

// Manager aggregates stores in ascending (priority, name) order, and
// resolves reads, writes, and deletes across them.
//
// Indexed stores must share the manager's index, so one lookup tells the
// manager which of them hold a product.
type Manager struct {
	index keystore.Index

	// TrashPath and ErrorPath are the backup directories for DeleteProduct.
	TrashPath string
	ErrorPath string
	// BackupRate limits the bandwidth of backup copies. nil is unlimited.
	BackupRate *util.RateCounter

	m      sync.RWMutex
	stores []Store // sorted by (priority, name)
}

var _ Store = &Manager{}

// NewManager returns a manager with no stores. index may be nil if no store
// is indexed.
func NewManager(index keystore.Index) *Manager {
	return &Manager{index: index}
}

// Index returns the shared location index.
func (m *Manager) Index() keystore.Index { return m.index }

// Add puts a store under management. Names must be unique.
func (m *Manager) Add(s Store) error {
	m.m.Lock()
	defer m.m.Unlock()
	for _, other := range m.stores {
		if other.Name() == s.Name() {
			return storeErr(s.Name(), "add", ErrAlreadyExists)
		}
	}
	m.stores = append(m.stores, s)
	sort.SliceStable(m.stores, func(i, j int) bool {
		a, b := m.stores[i], m.stores[j]
		if a.Priority() != b.Priority() {
			return a.Priority() < b.Priority()
		}
		return a.Name() < b.Name()
	})
	return nil
}

// Remove takes the named store out of management and returns it. The store
// is not closed.
func (m *Manager) Remove(name string) (Store, error) {
	m.m.Lock()
	defer m.m.Unlock()
	for i, s := range m.stores {
		if s.Name() == name {
			m.stores = append(m.stores[:i:i], m.stores[i+1:]...)
			return s, nil
		}
	}
	return nil, storeErr(name, "remove", ErrNotFound)
}

// Stores returns the managed stores in priority order.
func (m *Manager) Stores() []Store {
	m.m.RLock()
	defer m.m.RUnlock()
	return append([]Store(nil), m.stores...)
}

// GetByName returns the named store, or ErrNotFound.
func (m *Manager) GetByName(name string) (Store, error) {
	m.m.RLock()
	defer m.m.RUnlock()
	for _, s := range m.stores {
		if s.Name() == name {
			return s, nil
		}
	}
	return nil, storeErr(name, "lookup", ErrNotFound)
}

func (m *Manager) Name() string             { return "manager" }
func (m *Manager) Priority() int            { return 0 }
func (m *Manager) Restriction() Restriction { return None }
func (m *Manager) Indexed() bool            { return m.index != nil }
func (m *Manager) CanHandleDerived() bool   { return true }

// indexed returns the set of stores the index says hold (uuid, tag).
func (m *Manager) indexed(uuid, tag string) map[string]bool {
	holders := make(map[string]bool)
	if m.index == nil {
		return holders
	}
	names, err := m.index.StoresHolding(uuid, tag)
	if err != nil {
		log.Println("Manager index lookup", uuid, tag, err)
		raven.CaptureError(err, map[string]string{"UUID": uuid, "Tag": tag})
	}
	for _, name := range names {
		holders[name] = true
	}
	return holders
}

// readable returns, in priority order, the stores to try when reading
// (uuid, tag): indexed synchronous stores holding it, every unindexed
// synchronous store, and async stores confirming it is online.
func (m *Manager) readable(ctx context.Context, uuid, tag string) []Store {
	holders := m.indexed(uuid, tag)
	var result []Store
	for _, s := range m.Stores() {
		if tag != keystore.Unaltered && !s.CanHandleDerived() {
			continue
		}
		if as, ok := s.(AsyncStore); ok {
			if has, _ := s.HasDerived(ctx, uuid, tag); !has {
				continue
			}
			if online, _ := as.IsOnlineDerived(ctx, uuid, tag); online {
				result = append(result, s)
			}
			continue
		}
		if !s.Indexed() || holders[s.Name()] {
			result = append(result, s)
		}
	}
	return result
}

// holding returns, in priority order, every store holding (uuid, tag),
// online or not.
func (m *Manager) holding(ctx context.Context, uuid, tag string) []Store {
	holders := m.indexed(uuid, tag)
	var result []Store
	for _, s := range m.Stores() {
		if tag != keystore.Unaltered && !s.CanHandleDerived() {
			continue
		}
		if s.Indexed() {
			if _, async := s.(AsyncStore); !async {
				if holders[s.Name()] {
					result = append(result, s)
				}
				continue
			}
		}
		if has, _ := s.HasDerived(ctx, uuid, tag); has {
			result = append(result, s)
		}
	}
	return result
}

// Get returns the unaltered product from the first store, in priority
// order, able to produce it.
func (m *Manager) Get(ctx context.Context, uuid string) (*product.Product, error) {
	return m.GetDerived(ctx, uuid, keystore.Unaltered)
}

// GetDerived is Get for any tag. Errors from individual stores are skipped.
func (m *Manager) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	for _, s := range m.readable(ctx, uuid, tag) {
		p, err := s.GetDerived(ctx, uuid, tag)
		if err == nil {
			return p, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isNotFound(err) {
			log.Println("Manager get", s.Name(), uuid, tag, err)
		}
	}
	return nil, ErrNotFound
}

func (m *Manager) Has(ctx context.Context, uuid string) (bool, error) {
	return m.HasDerived(ctx, uuid, keystore.Unaltered)
}

func (m *Manager) HasDerived(ctx context.Context, uuid, tag string) (bool, error) {
	return len(m.holding(ctx, uuid, tag)) > 0, nil
}

// Set stores the product into every store that accepts it.
func (m *Manager) Set(ctx context.Context, uuid string, p *product.Product) error {
	return m.AddProduct(ctx, uuid, p, "")
}

// AddProduct stores the product into the target store, or into every
// store when target is "". Stores refusing the write because of their
// restriction are skipped. Other failures are collected and returned once
// every store has been tried.
func (m *Manager) AddProduct(ctx context.Context, uuid string, p *product.Product, target string) error {
	return m.addFanout(ctx, uuid, keystore.Unaltered, p, target)
}

// AddDerived stores a derived artifact into every store handling them.
func (m *Manager) AddDerived(ctx context.Context, uuid, tag string, p *product.Product) error {
	return m.addFanout(ctx, uuid, tag, p, "")
}

// AddDerivedTo stores a derived artifact into the named store.
func (m *Manager) AddDerivedTo(ctx context.Context, uuid, tag string, p *product.Product, target string) error {
	return m.addFanout(ctx, uuid, tag, p, target)
}

func (m *Manager) targets(target string) ([]Store, error) {
	if target == "" {
		return m.Stores(), nil
	}
	s, err := m.GetByName(target)
	if err != nil {
		return nil, err
	}
	return []Store{s}, nil
}

func (m *Manager) addFanout(ctx context.Context, uuid, tag string, p *product.Product, target string) error {
	stores, err := m.targets(target)
	if err != nil {
		return err
	}
	var errs []error
	for _, s := range stores {
		if tag == keystore.Unaltered {
			err = s.Set(ctx, uuid, p)
		} else if s.CanHandleDerived() {
			err = s.AddDerived(ctx, uuid, tag, p)
		} else {
			continue
		}
		if err != nil && !isReadOnly(err) {
			errs = append(errs, wrapStore(s, "set", err))
		}
	}
	return fold(errs)
}

// wrapStore attributes err to s, unless it already is.
func wrapStore(s Store, op string, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return storeErr(s.Name(), op, err)
}

// AddReference adds the reference to every store accepting references. It
// returns true if any store took it.
func (m *Manager) AddReference(ctx context.Context, uuid string, p *product.Product) (bool, error) {
	var added bool
	var errs []error
	for _, s := range m.Stores() {
		ok, err := s.AddReference(ctx, uuid, p)
		if err != nil && !isReadOnly(err) {
			errs = append(errs, wrapStore(s, "add reference", err))
		}
		added = added || ok
	}
	return added, fold(errs)
}

// DeleteReference removes the reference from every store holding it.
func (m *Manager) DeleteReference(ctx context.Context, uuid string) error {
	var deleted int
	var errs []error
	for _, s := range m.holding(ctx, uuid, keystore.Unaltered) {
		err := s.DeleteReference(ctx, uuid)
		switch {
		case err == nil:
			deleted++
		case isReadOnly(err), isNotFound(err):
		default:
			errs = append(errs, wrapStore(s, "delete reference", err))
		}
	}
	if deleted == 0 && len(errs) == 0 {
		return ErrNotFound
	}
	return fold(errs)
}

// Delete removes the product from every store, without a backup.
func (m *Manager) Delete(ctx context.Context, uuid string) error {
	return m.DeleteProduct(ctx, uuid, BackupNone, false)
}

// DeleteProductFromStore deletes the product from one store. When safe is
// set the deletion is refused with ErrUnsafeDeletion unless some other
// store also holds the product.
func (m *Manager) DeleteProductFromStore(ctx context.Context, uuid, name string, safe bool) error {
	s, err := m.GetByName(name)
	if err != nil {
		return err
	}
	holders := m.holding(ctx, uuid, keystore.Unaltered)
	var found, others bool
	for _, h := range holders {
		if h.Name() == name {
			found = true
		} else {
			others = true
		}
	}
	if !found {
		return storeErr(name, "delete", ErrNotFound)
	}
	if safe && !others {
		return storeErr(name, "delete", ErrUnsafeDeletion)
	}
	return wrapStore(s, "delete", s.Delete(ctx, uuid))
}

// DeleteDerived removes a derived artifact from every store holding it.
func (m *Manager) DeleteDerived(ctx context.Context, uuid, tag string) error {
	var deleted int
	var errs []error
	for _, s := range m.holding(ctx, uuid, tag) {
		err := s.DeleteDerived(ctx, uuid, tag)
		switch {
		case err == nil:
			deleted++
		case isReadOnly(err), isNotFound(err):
		default:
			errs = append(errs, wrapStore(s, "delete derived", err))
		}
	}
	if deleted == 0 && len(errs) == 0 {
		return ErrNotFound
	}
	return fold(errs)
}

// ReferenceCount sums the reference counts of every store.
func (m *Manager) ReferenceCount(ctx context.Context, uuid string) (int, error) {
	var total int
	var errs []error
	for _, s := range m.Stores() {
		n, err := s.ReferenceCount(ctx, uuid)
		if err != nil {
			errs = append(errs, wrapStore(s, "reference count", err))
			continue
		}
		total += n
	}
	return total, fold(errs)
}

// List sends each product held by any store once.
func (m *Manager) List(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		seen := make(map[string]bool)
		for _, s := range m.Stores() {
			for uuid := range s.List(ctx) {
				if seen[uuid] {
					continue
				}
				seen[uuid] = true
				select {
				case out <- uuid:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// GetResourceLocations maps the name of each store holding the product to
// the product's physical location in it.
func (m *Manager) GetResourceLocations(ctx context.Context, uuid string) (map[string]string, error) {
	result := make(map[string]string)
	for _, s := range m.holding(ctx, uuid, keystore.Unaltered) {
		l, ok := s.(Locator)
		if !ok {
			continue
		}
		loc, err := l.ResourceLocation(ctx, uuid)
		if err != nil {
			continue
		}
		result[s.Name()] = loc
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result, nil
}

// Order asks every async store holding the product, and not having it
// online, to bring it online.
func (m *Manager) Order(ctx context.Context, uuid string) error {
	var ordered int
	var errs []error
	for _, s := range m.holding(ctx, uuid, keystore.Unaltered) {
		as, ok := s.(AsyncStore)
		if !ok {
			continue
		}
		ordered++
		if online, _ := as.IsOnline(ctx, uuid); online {
			continue
		}
		if err := as.Order(ctx, uuid); err != nil {
			errs = append(errs, wrapStore(s, "order", err))
		}
	}
	if ordered == 0 {
		return ErrNotFound
	}
	return fold(errs)
}

// Close closes every store, then the index.
func (m *Manager) Close() error {
	var errs []error
	for _, s := range m.Stores() {
		if err := s.Close(); err != nil {
			errs = append(errs, wrapStore(s, "close", err))
		}
	}
	if m.index != nil {
		if err := m.index.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return fold(errs)
}
