package datastore

import (
	"strings"

	"github.com/pkg/errors"
)

// Restriction is the write permission level of a store. It is fixed when
// the store is built.
//
// There are two independent axes. Data writes are physical puts and
// deletes of bytes the store owns. Reference writes add or remove an index
// entry pointing at bytes the store does not own. ReferencesOnly permits
// the second but not the first.
type Restriction int

const (
	None Restriction = iota
	ReferencesOnly
	ReadOnly
)

func (r Restriction) String() string {
	switch r {
	case None:
		return "none"
	case ReferencesOnly:
		return "references-only"
	case ReadOnly:
		return "read-only"
	}
	return "unknown"
}

// CanWriteData is true if the store may physically put and delete data.
func (r Restriction) CanWriteData() bool {
	return r == None
}

// CanWriteReferences is true if the store may add and remove index entries.
func (r Restriction) CanWriteReferences() bool {
	return r == None || r == ReferencesOnly
}

// ParseRestriction reads a restriction name as written in configuration.
// The empty string means None.
func ParseRestriction(s string) (Restriction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return None, nil
	case "references-only", "references_only", "referencesonly":
		return ReferencesOnly, nil
	case "read-only", "read_only", "readonly":
		return ReadOnly, nil
	}
	return None, errors.Wrapf(ErrInvalidConfiguration, "unknown restriction %q", s)
}
