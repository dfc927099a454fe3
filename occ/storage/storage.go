package storage

// Store is the base key/value store a batch executes against. During batch
// execution the store is read-only; speculative writes live in the
// multi-version layer above it. Commit applies a batch of modifications
// atomically and is only called once execution has stopped, so it never races
// readers.
type Store interface {
	Start() error
	Stop() error
	// Get returns the value for key, or nil if the key is absent.
	Get(key []byte) ([]byte, error)
	// Iter iterates the half-open range [start, end) in key order, or in
	// reverse key order when reverse is set. A nil start or end leaves that
	// side unbounded.
	Iter(start, end []byte, reverse bool) Iterator
	Commit(batch []Modify) error
}

type Iterator interface {
	// Valid returns false when iteration is done.
	Valid() bool
	// Next advances the iterator by one. Always check Valid() after a Next().
	Next()
	// Key returns the current key. It is only valid until the next call to
	// Next; copy it if it must outlive the cursor.
	Key() []byte
	// Value retrieves the current value.
	Value() ([]byte, error)
	// Close releases the iterator and any snapshot it holds.
	Close()
}
