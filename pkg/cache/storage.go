// Package cache stores captured HTTP responses in named generations.
//
// A generation is a versioned snapshot of entries. Entries never expire on
// their own; they disappear only when their whole generation is deleted.
package cache

// Storage is the set of named generations of one origin.
type Storage interface {
	// Open returns the named generation, creating it empty if needed.
	Open(name string) (Generation, error)
	Has(name string) (bool, error)
	// Keys lists generation names in creation order.
	Keys() ([]string, error)
	// Delete removes a generation and all its entries. It reports whether
	// the generation existed.
	Delete(name string) (bool, error)
}

// Generation is one named set of entries.
type Generation interface {
	Name() string
	Match(method, url string) (Entry, bool, error)
	Put(method, url string, e Entry) error
	// PutAll writes every item or none of them.
	PutAll(items []Item) error
	Len() (int, error)
}
