package keystore

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/facebookgo/clock"
	"github.com/pkg/errors"
)

// Badger is an Index kept in an embedded badger key-value database.
//
// Three families of keys are written for every entry:
//
//	k\x00store\x00uuid\x00tag              -> the entry, as JSON
//	t\x00store\x00nanos\x00uuid\x00tag     -> the entry, ordered by insertion
//	u\x00uuid\x00tag\x00store              -> nothing; answers StoresHolding
type Badger struct {
	// Clock stamps new entries.
	Clock clock.Clock

	db *badger.DB
}

var _ Index = &Badger{}

// how many times a transaction is retried after a write conflict
const badgerRetries = 10

// NewBadger opens a badger index in dir. An empty dir keeps the index in
// memory.
func NewBadger(dir string) (*Badger, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger keystore")
	}
	return &Badger{Clock: clock.New(), db: db}, nil
}

func join(parts ...string) []byte {
	var b bytes.Buffer
	for i, p := range parts {
		if i > 0 {
			b.WriteByte(0)
		}
		b.WriteString(p)
	}
	return b.Bytes()
}

func primaryKey(store, uuid, tag string) []byte {
	return join("k", store, uuid, tag)
}

func orderKey(e Entry) []byte {
	return join("t", e.Store, fmt.Sprintf("%020d", e.Inserted.UnixNano()), e.UUID, e.Tag)
}

func holderKey(e Entry) []byte {
	return join("u", e.UUID, e.Tag, e.Store)
}

// update runs f in a read-write transaction, retrying on conflicts.
func (bi *Badger) update(f func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerRetries; i++ {
		err = bi.db.Update(f)
		if err != badger.ErrConflict {
			break
		}
	}
	return err
}

func getEntry(txn *badger.Txn, key []byte) (Entry, error) {
	var e Entry
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return e, ErrNotFound
	} else if err != nil {
		return e, err
	}
	err = item.Value(func(v []byte) error {
		return json.Unmarshal(v, &e)
	})
	return e, err
}

func (bi *Badger) Put(store, uuid, tag, location string) error {
	e := Entry{
		Store:    store,
		UUID:     uuid,
		Tag:      tag,
		Location: location,
		Inserted: bi.Clock.Now().UTC(),
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	err = bi.update(func(txn *badger.Txn) error {
		pk := primaryKey(store, uuid, tag)
		_, err := txn.Get(pk)
		if err == nil {
			return ErrAlreadyExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		if err = txn.Set(pk, value); err != nil {
			return err
		}
		if err = txn.Set(orderKey(e), value); err != nil {
			return err
		}
		return txn.Set(holderKey(e), nil)
	})
	if err != nil && err != ErrAlreadyExists {
		return errors.Wrap(err, "keystore put")
	}
	return err
}

func (bi *Badger) Get(store, uuid, tag string) (Entry, error) {
	var e Entry
	err := bi.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntry(txn, primaryKey(store, uuid, tag))
		return err
	})
	return e, err
}

func (bi *Badger) Exists(store, uuid, tag string) (bool, error) {
	_, err := bi.Get(store, uuid, tag)
	if err == ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (bi *Badger) Remove(store, uuid, tag string) error {
	return bi.update(func(txn *badger.Txn) error {
		pk := primaryKey(store, uuid, tag)
		e, err := getEntry(txn, pk)
		if err != nil {
			return err
		}
		if err = txn.Delete(pk); err != nil {
			return err
		}
		if err = txn.Delete(orderKey(e)); err != nil {
			return err
		}
		return txn.Delete(holderKey(e))
	})
}

// scan calls f with the key and value of everything under prefix, in key
// order, until f returns false.
func (bi *Badger) scan(prefix []byte, values bool, f func(key, value []byte) (bool, error)) error {
	return bi.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = values
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var value []byte
			if values {
				var err error
				value, err = item.ValueCopy(nil)
				if err != nil {
					return err
				}
			}
			more, err := f(item.KeyCopy(nil), value)
			if err != nil || !more {
				return err
			}
		}
		return nil
	})
}

func (bi *Badger) EntriesForUUID(store, uuid string) ([]Entry, error) {
	var result []Entry
	prefix := append(join("k", store, uuid), 0)
	err := bi.scan(prefix, true, func(key, value []byte) (bool, error) {
		var e Entry
		err := json.Unmarshal(value, &e)
		result = append(result, e)
		return true, err
	})
	return result, err
}

func (bi *Badger) Oldest(store string, limit int) ([]Entry, error) {
	var result []Entry
	prefix := append(join("t", store), 0)
	err := bi.scan(prefix, true, func(key, value []byte) (bool, error) {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return false, err
		}
		result = append(result, e)
		return limit == 0 || len(result) < limit, nil
	})
	return result, err
}

func (bi *Badger) StoresHolding(uuid, tag string) ([]string, error) {
	var result []string
	prefix := append(join("u", uuid, tag), 0)
	err := bi.scan(prefix, false, func(key, value []byte) (bool, error) {
		result = append(result, string(key[len(prefix):]))
		return true, nil
	})
	return result, err
}

func (bi *Badger) Close() error {
	return bi.db.Close()
}
