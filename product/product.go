// Package product describes the payloads kept by the archive: an immutable
// science-data product identified by a uuid, together with the ways its bytes
// can be reached.
//
// A Product may carry more than one physical representation. Stores read the
// bytes through Open(), which prefers the byte stream, and then a local file.
// A Location is a pointer to data living inside some store, and is what a
// reference entry records.
package product

import (
	"errors"
	"io"
	"os"

	"github.com/google/uuid"
)

// Well known property keys.
const (
	PropMD5    = "checksum.MD5"
	PropSHA256 = "checksum.SHA-256"
)

var (
	// ErrNoData means the product has neither a stream nor a file to read.
	ErrNoData = errors.New("Product has no readable representation")

	// ErrBadUUID means the identifier is not a well formed uuid.
	ErrBadUUID = errors.New("Product identifier is not a uuid")
)

// Product is the unit passed into every store operation.
//
// Stream must return a fresh reader on every call, since the store manager
// may hand the same product to several stores.
type Product struct {
	UUID       string
	Name       string
	Size       int64 // in bytes. 0 if unknown
	Properties map[string]string

	Path     string                        // file handle representation
	Stream   func() (io.ReadCloser, error) // byte stream representation
	Location string                        // resource location representation
}

// New returns a product with an empty property set.
func New(id, name string) *Product {
	return &Product{
		UUID:       id,
		Name:       name,
		Properties: make(map[string]string),
	}
}

// Open returns a reader for the product data.
func (p *Product) Open() (io.ReadCloser, error) {
	switch {
	case p.Stream != nil:
		return p.Stream()
	case p.Path != "":
		return os.Open(p.Path)
	}
	return nil, ErrNoData
}

// HasData is true if Open() has something to read.
func (p *Product) HasData() bool {
	return p.Stream != nil || p.Path != ""
}

// Property returns the value of the given property, or "" if unset.
func (p *Product) Property(key string) string {
	if p.Properties == nil {
		return ""
	}
	return p.Properties[key]
}

// SetProperty sets a property, allocating the map if needed.
func (p *Product) SetProperty(key, value string) {
	if p.Properties == nil {
		p.Properties = make(map[string]string)
	}
	p.Properties[key] = value
}

// ValidUUID returns ErrBadUUID if id does not parse as a uuid.
func ValidUUID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrBadUUID
	}
	return nil
}

// NewUUID returns a freshly generated product identifier.
func NewUUID() string {
	return uuid.NewString()
}
