package datastore

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	raven "github.com/getsentry/raven-go"

	"github.com/ndlib/archivegate/keystore"
	"github.com/ndlib/archivegate/product"
	"github.com/ndlib/archivegate/store"
	"github.com/ndlib/archivegate/util"
)

// BackendStore is a Store over a stream backend. Every product and derived
// artifact becomes one backend key: the uuid for the unaltered payload, and
// uuid-tag for a derived one.
//
// With a KeyStore, the store is indexed and the keystore is the authority
// on what the store holds. Without one, the backend is asked directly.
type BackendStore struct {
	cfg     Config
	backend store.Store
	keys    *keystore.KeyStore
	evictor Evictor

	size int64 // atomic
}

var (
	_ Store   = &BackendStore{}
	_ Sized   = &BackendStore{}
	_ Locator = &BackendStore{}
	_ Movable = &BackendStore{}
)

// NewBackendStore builds a store. keys and evictor may be nil.
func NewBackendStore(cfg Config, backend store.Store, keys *keystore.KeyStore, evictor Evictor) *BackendStore {
	return &BackendStore{
		cfg:     cfg,
		backend: backend,
		keys:    keys,
		evictor: evictor,
		size:    cfg.CurrentSize,
	}
}

func (s *BackendStore) Name() string             { return s.cfg.Name }
func (s *BackendStore) Priority() int            { return s.cfg.Priority }
func (s *BackendStore) Restriction() Restriction { return s.cfg.Restriction }
func (s *BackendStore) Indexed() bool            { return s.keys != nil }
func (s *BackendStore) CanHandleDerived() bool   { return s.cfg.Derived }

// Config returns the configuration the store was built with.
func (s *BackendStore) Config() Config { return s.cfg }

// Backend returns the stream store underneath.
func (s *BackendStore) Backend() store.Store { return s.backend }

// KeyStore returns the store's view of the index, or nil.
func (s *BackendStore) KeyStore() *keystore.KeyStore { return s.keys }

// SetEvictor replaces the eviction collaborator. Call before use.
func (s *BackendStore) SetEvictor(e Evictor) { s.evictor = e }

func (s *BackendStore) CurrentSize() int64 { return atomic.LoadInt64(&s.size) }
func (s *BackendStore) MaximumSize() int64 { return s.cfg.MaximumSize }

func (s *BackendStore) addSize(delta int64) {
	atomic.AddInt64(&s.size, delta)
}

func backendKey(uuid, tag string) string {
	if tag == keystore.Unaltered {
		return uuid
	}
	return uuid + "-" + tag
}

func (s *BackendStore) err(op string, err error) error {
	return storeErr(s.cfg.Name, op, err)
}

// locate returns the backend key holding (uuid, tag), or ErrNotFound.
func (s *BackendStore) locate(uuid, tag string) (string, error) {
	if s.keys != nil {
		return s.keys.Get(uuid, tag)
	}
	key := backendKey(uuid, tag)
	_, err := s.backend.Stat(key)
	if store.IsNotExist(err) {
		return "", ErrNotFound
	}
	return key, err
}

// BackendKey returns the backend key holding (uuid, tag), or ErrNotFound.
func (s *BackendStore) BackendKey(uuid, tag string) (string, error) {
	loc, err := s.locate(uuid, tag)
	return loc, s.err("locate", err)
}

// CanAccess is true if the backend can read location.
func (s *BackendStore) CanAccess(location string) bool {
	if location == "" {
		return false
	}
	_, err := s.backend.Stat(location)
	return err == nil
}

// Get returns the unaltered product.
func (s *BackendStore) Get(ctx context.Context, uuid string) (*product.Product, error) {
	return s.GetDerived(ctx, uuid, keystore.Unaltered)
}

// GetDerived returns a product whose Stream reads (uuid, tag) out of the
// backend.
func (s *BackendStore) GetDerived(ctx context.Context, uuid, tag string) (*product.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, err := s.locate(uuid, tag)
	if err != nil {
		return nil, s.err("get", err)
	}
	size, err := s.backend.Stat(loc)
	if store.IsNotExist(err) {
		// indexed, but the bytes are gone
		return nil, s.err("get", ErrNotFound)
	} else if err != nil {
		return nil, s.err("get", err)
	}
	p := product.New(uuid, loc)
	p.Size = size
	p.Location = loc
	backend := s.backend
	p.Stream = func() (io.ReadCloser, error) {
		rac, _, err := backend.Open(loc)
		if err != nil {
			return nil, err
		}
		return store.NewReadCloser(rac), nil
	}
	return p, nil
}

func (s *BackendStore) Has(ctx context.Context, uuid string) (bool, error) {
	return s.HasDerived(ctx, uuid, keystore.Unaltered)
}

func (s *BackendStore) HasDerived(ctx context.Context, uuid, tag string) (bool, error) {
	if s.keys != nil {
		return s.keys.Exists(uuid, tag)
	}
	_, err := s.backend.Stat(backendKey(uuid, tag))
	if store.IsNotExist(err) {
		return false, nil
	}
	return err == nil, err
}

// Set physically stores the unaltered product.
func (s *BackendStore) Set(ctx context.Context, uuid string, p *product.Product) error {
	return s.put(ctx, uuid, keystore.Unaltered, p)
}

// AddDerived physically stores a derived artifact of uuid.
func (s *BackendStore) AddDerived(ctx context.Context, uuid, tag string, p *product.Product) error {
	if !s.cfg.Restriction.CanWriteData() {
		return s.err("add derived", ErrReadOnlyStore)
	}
	if tag != keystore.Unaltered && !s.cfg.Derived {
		return s.err("add derived", ErrDerivedUnsupported)
	}
	return s.put(ctx, uuid, tag, p)
}

func (s *BackendStore) put(ctx context.Context, uuid, tag string, p *product.Product) error {
	if !s.cfg.Restriction.CanWriteData() {
		return s.err("put", ErrReadOnlyStore)
	}
	if err := product.ValidUUID(uuid); err != nil {
		return s.err("put", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	has, err := s.HasDerived(ctx, uuid, tag)
	if err != nil {
		return s.err("put", err)
	}
	if has {
		return s.err("put", ErrAlreadyExists)
	}

	s.requestSpace(sizeHint(p))

	key := backendKey(uuid, tag)
	n, err := s.write(ctx, key, p)
	if err != nil {
		return s.err("put", err)
	}
	if s.keys != nil {
		// write only succeeds once this call has published key
		if err = s.keys.Put(uuid, tag, key); err != nil {
			s.backend.Delete(key)
			return s.err("put", err)
		}
	}
	s.addSize(n)
	return nil
}

// sizeHint is p.Size, or the size of p's file when the size is unknown.
func sizeHint(p *product.Product) int64 {
	if p.Size > 0 || p.Path == "" {
		return p.Size
	}
	if fi, err := os.Stat(p.Path); err == nil {
		return fi.Size()
	}
	return 0
}

// requestSpace asks the evictor for room when adding size bytes would go
// past the maximum. The request is made before the new bytes are counted.
func (s *BackendStore) requestSpace(size int64) {
	if !s.cfg.AutoEviction || s.cfg.MaximumSize <= 0 || s.evictor == nil {
		return
	}
	over := s.CurrentSize() + size - s.cfg.MaximumSize
	if over <= 0 {
		return
	}
	if s.cfg.EvictionPolicy != "" {
		s.evictor.EvictAtLeastWithPolicy(s.cfg.EvictionPolicy, s.cfg.Name, over)
	} else {
		s.evictor.EvictAtLeast(s.cfg.Name, over)
	}
}

// ctxReader fails reads once ctx is done, so a long copy can be interrupted.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// write copies the product into key, verifying any checksums it carries.
// On error nothing this call published is left behind. A key another writer
// published first is ErrAlreadyExists, and is never touched.
func (s *BackendStore) write(ctx context.Context, key string, p *product.Product) (int64, error) {
	src, err := p.Open()
	if err != nil {
		return 0, err
	}
	defer src.Close()
	w, err := s.backend.Create(key)
	if errors.Is(err, store.ErrKeyExists) {
		return 0, ErrAlreadyExists
	} else if err != nil {
		return 0, err
	}
	hw := util.NewHashWriter(w)
	n, err := io.Copy(hw, ctxReader{ctx: ctx, r: src})
	closeErr := w.Close()
	if errors.Is(closeErr, store.ErrKeyExists) {
		return 0, ErrAlreadyExists
	}
	published := closeErr == nil
	if err == nil {
		err = closeErr
	}
	if err == nil && !hw.CheckHex(p.Property(product.PropMD5), p.Property(product.PropSHA256)) {
		err = ErrChecksumMismatch
	}
	if err != nil {
		if published {
			s.backend.Delete(key)
		}
		return 0, err
	}
	return n, nil
}

// Delete removes the unaltered product and then all of its derived
// artifacts. The data is physically removed only when the restriction
// allows data writes; otherwise only the index entries go.
func (s *BackendStore) Delete(ctx context.Context, uuid string) error {
	if err := s.remove(ctx, uuid, keystore.Unaltered, "delete"); err != nil {
		return err
	}
	s.cascade(ctx, uuid)
	return nil
}

// cascade deletes every derived artifact of uuid. Failures are reported but
// do not stop the others.
func (s *BackendStore) cascade(ctx context.Context, uuid string) {
	for _, tag := range s.derivedTags(uuid) {
		err := s.remove(ctx, uuid, tag, "delete derived")
		if err != nil && !isNotFound(err) {
			log.Println("cascade delete", s.cfg.Name, uuid, tag, err)
			raven.CaptureError(err, map[string]string{"Store": s.cfg.Name, "UUID": uuid, "Tag": tag})
		}
	}
}

func (s *BackendStore) derivedTags(uuid string) []string {
	var tags []string
	if s.keys != nil {
		entries, err := s.keys.EntriesForUUID(uuid)
		if err != nil {
			log.Println("cascade list", s.cfg.Name, uuid, err)
			raven.CaptureError(err, map[string]string{"Store": s.cfg.Name, "UUID": uuid})
		}
		for _, e := range entries {
			if e.Tag != keystore.Unaltered {
				tags = append(tags, e.Tag)
			}
		}
		return tags
	}
	keys, _ := s.backend.ListPrefix(uuid + "-")
	for _, k := range keys {
		tags = append(tags, strings.TrimPrefix(k, uuid+"-"))
	}
	return tags
}

// remove takes (uuid, tag) out of the index, and out of the backend if the
// restriction permits.
func (s *BackendStore) remove(ctx context.Context, uuid, tag, op string) error {
	r := s.cfg.Restriction
	if !r.CanWriteReferences() || (s.keys == nil && !r.CanWriteData()) {
		return s.err(op, ErrReadOnlyStore)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	loc, err := s.locate(uuid, tag)
	if err != nil {
		return s.err(op, err)
	}
	if s.keys != nil {
		if err = s.keys.Remove(uuid, tag); err != nil {
			return s.err(op, err)
		}
	}
	if !r.CanWriteData() {
		return nil
	}
	size, _ := s.backend.Stat(loc)
	if err = s.backend.Delete(loc); err != nil {
		return s.err(op, err)
	}
	s.addSize(-size)
	return nil
}

func (s *BackendStore) DeleteDerived(ctx context.Context, uuid, tag string) error {
	return s.remove(ctx, uuid, tag, "delete derived")
}

// AddReference indexes data the backend can already reach at p.Location.
// No bytes are copied, but the referenced size is counted, since deleting
// the entry from a store owning its data removes the bytes too.
func (s *BackendStore) AddReference(ctx context.Context, uuid string, p *product.Product) (bool, error) {
	if !s.cfg.Restriction.CanWriteReferences() || s.keys == nil {
		return false, s.err("add reference", ErrReadOnlyStore)
	}
	if err := product.ValidUUID(uuid); err != nil {
		return false, s.err("add reference", err)
	}
	if !s.CanAccess(p.Location) {
		return false, nil
	}
	if err := s.keys.Put(uuid, keystore.Unaltered, p.Location); err != nil {
		return false, s.err("add reference", err)
	}
	if s.cfg.Restriction.CanWriteData() {
		if size, err := s.backend.Stat(p.Location); err == nil {
			s.addSize(size)
		}
	}
	return true, nil
}

// DeleteReference removes the index entry only. The data stays, but is no
// longer counted toward the store's size.
func (s *BackendStore) DeleteReference(ctx context.Context, uuid string) error {
	if !s.cfg.Restriction.CanWriteReferences() || s.keys == nil {
		return s.err("delete reference", ErrReadOnlyStore)
	}
	loc, _ := s.locate(uuid, keystore.Unaltered)
	if err := s.keys.Remove(uuid, keystore.Unaltered); err != nil {
		return s.err("delete reference", err)
	}
	if s.cfg.Restriction.CanWriteData() && loc != "" {
		if size, err := s.backend.Stat(loc); err == nil {
			s.addSize(-size)
		}
	}
	return nil
}

func (s *BackendStore) ReferenceCount(ctx context.Context, uuid string) (int, error) {
	if s.keys != nil {
		entries, err := s.keys.EntriesForUUID(uuid)
		return len(entries), err
	}
	n := len(s.derivedTags(uuid))
	if ok, err := s.Has(ctx, uuid); err != nil {
		return 0, err
	} else if ok {
		n++
	}
	return n, nil
}

// List sends the uuid of each unaltered product.
func (s *BackendStore) List(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		if s.keys != nil {
			entries, err := s.keys.OldestEntries(0)
			if err != nil {
				log.Println("List", s.cfg.Name, err)
				raven.CaptureError(err, map[string]string{"Store": s.cfg.Name})
				return
			}
			for _, e := range entries {
				if e.Tag != keystore.Unaltered {
					continue
				}
				select {
				case out <- e.UUID:
				case <-ctx.Done():
					return
				}
			}
			return
		}
		in := s.backend.List()
		// drain the backend listing if we stop early
		defer func() {
			for range in {
			}
		}()
		for key := range in {
			if product.ValidUUID(key) != nil {
				continue
			}
			select {
			case out <- key:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// ProductSize returns the size in bytes of the unaltered product.
func (s *BackendStore) ProductSize(ctx context.Context, uuid string) (int64, error) {
	loc, err := s.locate(uuid, keystore.Unaltered)
	if err != nil {
		return 0, s.err("size", err)
	}
	size, err := s.backend.Stat(loc)
	if store.IsNotExist(err) {
		err = ErrNotFound
	}
	return size, s.err("size", err)
}

// ResourceLocation describes where the unaltered product lives, as a path
// or URL when the backend can say.
func (s *BackendStore) ResourceLocation(ctx context.Context, uuid string) (string, error) {
	loc, err := s.locate(uuid, keystore.Unaltered)
	if err != nil {
		return "", s.err("locate", err)
	}
	if l, ok := s.backend.(store.Locator); ok {
		return l.Locate(loc), nil
	}
	return loc, nil
}

// MoveProduct renames the unaltered product out of the store into dir, and
// then deletes its derived artifacts. The backend must be a store.Mover.
func (s *BackendStore) MoveProduct(ctx context.Context, uuid, dir string) (string, error) {
	mover, ok := s.backend.(store.Mover)
	if !ok || !s.cfg.Restriction.CanWriteData() {
		return "", s.err("move", ErrReadOnlyStore)
	}
	loc, err := s.locate(uuid, keystore.Unaltered)
	if err != nil {
		return "", s.err("move", err)
	}
	size, _ := s.backend.Stat(loc)
	target, err := mover.Move(loc, dir)
	if err != nil {
		return "", s.err("move", err)
	}
	s.addSize(-size)
	if s.keys != nil {
		if err := s.keys.Remove(uuid, keystore.Unaltered); err != nil {
			log.Println("move", s.cfg.Name, uuid, err)
		}
	}
	s.cascade(ctx, uuid)
	return target, nil
}

func (s *BackendStore) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
