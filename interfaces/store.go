package interfaces

import "encoding"

// StoreKey is the constraint on KVStore keys: comparable, ordered by Compare
// and serialized through its text form.
type StoreKey[K any] interface {
	comparable
	encoding.TextMarshaler
	Compare(other K) int
}

// KVStore is a durable ordered map. Every successful mutation is persisted
// before the call returns.
type KVStore[K StoreKey[K], V any] interface {
	// Get returns the value stored under key. It never mutates the store.
	Get(key K) (V, bool)

	// Set inserts or overwrites key and persists the store.
	Set(key K, value V) error

	// Delete removes key and reports whether it was present. The store is
	// only persisted when something was removed.
	Delete(key K) (bool, error)

	// Keys returns an ordered snapshot of all keys.
	Keys() []K

	// ContainsKey reports whether key is present.
	ContainsKey(key K) bool

	// Clear removes every entry and persists the store.
	Clear() error
}
