package datastore

import (
	"errors"
	"strings"

	"github.com/ndlib/archivegate/keystore"
)

var (
	// ErrNotFound means the product or derived artifact is not where it
	// was required to be.
	ErrNotFound = keystore.ErrNotFound

	// ErrAlreadyExists means the store already holds the (uuid, tag) pair.
	ErrAlreadyExists = keystore.ErrAlreadyExists

	// ErrReadOnlyStore is returned when the store's restriction forbids
	// the operation.
	ErrReadOnlyStore = errors.New("Store is restricted against this operation")

	// ErrUnsafeDeletion means a safe deletion was refused because no other
	// store holds a copy of the product.
	ErrUnsafeDeletion = errors.New("Deletion would remove the last copy of the product")

	// ErrQuotaExceeded means the principal has too many fetches running.
	ErrQuotaExceeded = errors.New("Fetch quota exceeded")

	// ErrInvalidConfiguration means a store could not be built from its
	// configuration.
	ErrInvalidConfiguration = errors.New("Invalid store configuration")

	// ErrChecksumMismatch means the written data did not match the
	// checksums carried by the product.
	ErrChecksumMismatch = errors.New("Checksum mismatch")

	// ErrFetchPending means the product is being brought online, and the
	// request should be retried later.
	ErrFetchPending = errors.New("Product fetch pending")

	// ErrCancelled is the result of a submission cancelled before it began.
	ErrCancelled = errors.New("Cancelled")

	// ErrDerivedUnsupported means the store does not keep derived artifacts.
	ErrDerivedUnsupported = errors.New("Store does not handle derived products")
)

// StoreError attributes a failure to one store and operation.
type StoreError struct {
	Store string
	Op    string
	Err   error
}

func (e *StoreError) Error() string {
	return e.Store + " " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(store, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Store: store, Op: op, Err: err}
}

// MultiError collects the failures of a fan-out across stores.
type MultiError struct {
	Errs []error
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.Errs))
	for i, err := range m.Errs {
		msgs[i] = err.Error()
	}
	return "multiple store failures: " + strings.Join(msgs, "; ")
}

func (m *MultiError) Unwrap() []error { return m.Errs }

// fold turns the errors collected by a fan-out into a single result: nil
// for none, the error itself for one, and a *MultiError for more.
func fold(errs []error) error {
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	}
	return &MultiError{Errs: errs}
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isReadOnly(err error) bool {
	return errors.Is(err, ErrReadOnlyStore)
}
