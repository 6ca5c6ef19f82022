package datastore

// Config is the static description of one store.
type Config struct {
	Name        string
	Restriction Restriction
	// Stores are consulted in ascending priority, then name, order.
	Priority int

	// MaximumSize is the capacity in bytes. 0 means unlimited.
	MaximumSize int64
	// CurrentSize seeds the size counter.
	CurrentSize  int64
	AutoEviction bool

	// Filter is a visibility filter expression, applied by the async
	// decorators. Empty means every product is visible.
	Filter string
	// EvictionPolicy names the eviction policy. Empty uses the default.
	EvictionPolicy string

	// Derived is true if the store keeps quicklooks and thumbnails.
	Derived bool
}
