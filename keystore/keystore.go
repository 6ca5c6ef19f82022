// Package keystore is the location index of the gateway. It records which
// store holds which (uuid, tag) pair, and where inside that store the data
// lives.
//
// One Index is shared by every store in a gateway, so the manager can find
// the holders of a product with a single lookup. Each store sees its own
// slice of the index through a KeyStore.
//
// The only rule an Index enforces is uniqueness: at most one entry exists for
// a (store, uuid, tag) triple. Entries are never updated; to change one,
// remove it and put it again.
package keystore

import (
	"errors"
	"time"
)

// Role tags. Unaltered is the original payload of a product; the others are
// derived artifacts.
const (
	Unaltered = "unaltered"
	Quicklook = "quicklook"
	Thumbnail = "thumbnail"
)

var (
	// ErrAlreadyExists is returned by Put when the triple is already indexed.
	ErrAlreadyExists = errors.New("Entry already exists")

	// ErrNotFound means there is no entry for the triple.
	ErrNotFound = errors.New("Entry not found")
)

// Entry is one row of the index.
type Entry struct {
	Store    string
	UUID     string
	Tag      string
	Location string
	Inserted time.Time
}

// An Index is the shared location table. All methods are safe to call
// concurrently.
type Index interface {
	// Put adds an entry. It returns ErrAlreadyExists, and changes nothing,
	// if the triple is already present.
	Put(store, uuid, tag, location string) error

	// Get returns the entry for the triple, or ErrNotFound.
	Get(store, uuid, tag string) (Entry, error)

	Exists(store, uuid, tag string) (bool, error)

	// Remove deletes the entry for the triple, or returns ErrNotFound.
	Remove(store, uuid, tag string) error

	// EntriesForUUID returns every tag a store holds for uuid.
	EntriesForUUID(store, uuid string) ([]Entry, error)

	// Oldest returns up to limit entries of a store by ascending insertion
	// time. A limit of 0 returns all of them.
	Oldest(store string, limit int) ([]Entry, error)

	// StoresHolding returns the names of the stores with an entry for
	// (uuid, tag), in no particular order.
	StoresHolding(uuid, tag string) ([]string, error)

	Close() error
}

// KeyStore is the view of an Index belonging to one store.
type KeyStore struct {
	idx  Index
	name string
}

// New returns the KeyStore of the store called name.
func New(idx Index, name string) *KeyStore {
	return &KeyStore{idx: idx, name: name}
}

// Name returns the store this KeyStore belongs to.
func (ks *KeyStore) Name() string { return ks.name }

// Index returns the shared index underneath.
func (ks *KeyStore) Index() Index { return ks.idx }

func (ks *KeyStore) Put(uuid, tag, location string) error {
	return ks.idx.Put(ks.name, uuid, tag, location)
}

// Get returns the location recorded for (uuid, tag).
func (ks *KeyStore) Get(uuid, tag string) (string, error) {
	e, err := ks.idx.Get(ks.name, uuid, tag)
	return e.Location, err
}

func (ks *KeyStore) Exists(uuid, tag string) (bool, error) {
	return ks.idx.Exists(ks.name, uuid, tag)
}

func (ks *KeyStore) Remove(uuid, tag string) error {
	return ks.idx.Remove(ks.name, uuid, tag)
}

func (ks *KeyStore) EntriesForUUID(uuid string) ([]Entry, error) {
	return ks.idx.EntriesForUUID(ks.name, uuid)
}

func (ks *KeyStore) OldestEntries(limit int) ([]Entry, error) {
	return ks.idx.Oldest(ks.name, limit)
}
