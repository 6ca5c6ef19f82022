// Package store holds the physical backends of the archive gateway. Each one
// is a goroutine safe key-value store whose values are byte streams, so
// multi-gigabyte products never need to be held in memory.
//
// Keys are product uuids, optionally followed by "-" and a role tag for
// derived artifacts. They never contain a '/'.
//
// The FileSystem is the workhorse. S3 adds object storage with Glacier
// restores, and Remote reads from another gateway node. Memory is for tests.
package store

import (
	"errors"
	"io"
	"os"
)

// ReadAtCloser combines the io.ReaderAt and io.Closer interfaces.
type ReadAtCloser interface {
	io.ReaderAt
	io.Closer
}

// Store is a stream based key-value store. Values are immutable once
// written: Create fails with ErrKeyExists if the key is present. To replace
// a value delete it first.
type Store interface {
	ROStore
	Create(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ROStore is the read-only half of a Store.
type ROStore interface {
	List() <-chan string
	ListPrefix(prefix string) ([]string, error)
	Open(key string) (ReadAtCloser, int64, error)

	// Stat returns the size of key, or ErrNotExist.
	Stat(key string) (int64, error)
}

// A Restorer is a store whose objects may sit in cold storage. Objects that
// are not Online must be restored before Open will return their data.
type Restorer interface {
	// Online is true if key can be read right now.
	Online(key string) (bool, error)

	// Restore asks for key to be brought online. It returns true if a new
	// restore was started, and false if one was already running or the
	// object is already online.
	Restore(key string) (bool, error)
}

// A Locator can describe where a key physically lives, as a path or URL.
type Locator interface {
	Locate(key string) string
}

// A Mover can take an object out of the store by renaming it into an
// outside directory. It returns the new path.
type Mover interface {
	Move(key, dir string) (string, error)
}

var (
	// ErrKeyExists indicates an attempt to create a key which already exists
	ErrKeyExists = errors.New("Key already exists")

	// ErrNotExist means the key is not in the store
	ErrNotExist = errors.New("Key does not exist")

	// ErrReadOnly is returned by writes to a read-only wrapped store
	ErrReadOnly = errors.New("Store is read only")
)

// IsNotExist is true for ErrNotExist and for the errors the os package
// returns for missing files.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist) || os.IsNotExist(err)
}

// NewReader converts a ReaderAt into a io.Reader. It is here as a utility to
// help work with the ReadAtCloser returned by Open.
func NewReader(r io.ReaderAt) io.Reader {
	return &reader{r: r}
}

type reader struct {
	r   io.ReaderAt
	off int64
}

func (r *reader) Read(p []byte) (n int, err error) {
	n, err = r.r.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF && n > 0 {
		// a short read is not an error for an io.Reader
		err = nil
	}
	return
}

// NewReadCloser wraps a ReadAtCloser as a sequential io.ReadCloser.
func NewReadCloser(r ReadAtCloser) io.ReadCloser {
	return readCloser{Reader: NewReader(r), c: r}
}

type readCloser struct {
	io.Reader
	c io.Closer
}

func (rc readCloser) Close() error { return rc.c.Close() }

// ReadOnly wraps s so that Create and Delete always fail with ErrReadOnly.
func ReadOnly(s ROStore) Store {
	return rostore{s}
}

type rostore struct {
	ROStore
}

func (rostore) Create(key string) (io.WriteCloser, error) { return nil, ErrReadOnly }
func (rostore) Delete(key string) error                    { return ErrReadOnly }

func (ro rostore) Locate(key string) string {
	if l, ok := ro.ROStore.(Locator); ok {
		return l.Locate(key)
	}
	return key
}
