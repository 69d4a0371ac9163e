package iterator

import "membuf/pkg/types"

// Iterator iterates over a sorted sequence of records.
type Iterator interface {
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// First moves to the smallest key.
	First()
	// Last moves to the largest key.
	Last()
	// Next advances to the next key.
	Next()
	// Prev moves to the previous key.
	Prev()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value, nil for a tombstone.
	Value() types.Value
	// Timestamp returns the mutation time of the current entry.
	Timestamp() types.Timestamp
	// Tombstone reports whether the current entry marks a delete.
	Tombstone() bool
	// Close releases resources.
	Close() error
}
