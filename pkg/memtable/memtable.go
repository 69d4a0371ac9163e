// Package memtable holds the sorted set of the latest writes that have not
// been flushed to an sstable yet.
//
// Entries live in a slice kept sorted by key instead of a hash map so the
// whole buffer can be scanned in order at flush time. A Memtable has no
// locking of its own: the owner serializes mutations and hands the buffer
// off to the flusher once Size crosses its threshold.
package memtable

import (
	"bytes"
	"slices"

	"membuf/pkg/types"
)

type Memtable struct {
	entries  []Item
	size     uint64
	overhead uint64
}

// New creates an empty memtable charging DefaultEntryOverhead per key.
func New() *Memtable {
	return NewWithOverhead(DefaultEntryOverhead)
}

// NewWithOverhead creates an empty memtable with a custom per-key overhead.
func NewWithOverhead(overhead uint64) *Memtable {
	return &Memtable{overhead: overhead}
}

// Set upserts key with value. Both slices are copied.
func (mt *Memtable) Set(key, value []byte, ts types.Timestamp) {
	it := Item{
		Key:       bytes.Clone(key),
		Value:     clone(value),
		Timestamp: ts,
	}

	idx, found := mt.search(key)
	if found {
		// previous tombstone contributed nothing
		prev := mt.entries[idx].valueLen()
		next := uint64(len(value))
		if next < prev {
			mt.size -= prev - next
		} else {
			mt.size += next - prev
		}
		mt.entries[idx] = it
		return
	}

	mt.size += uint64(len(key)) + uint64(len(value)) + mt.overhead
	mt.entries = slices.Insert(mt.entries, idx, it)
}

// Delete records a tombstone for key, whether or not it was present.
func (mt *Memtable) Delete(key []byte, ts types.Timestamp) {
	it := Item{
		Key:       bytes.Clone(key),
		Timestamp: ts,
		Tombstone: true,
	}

	idx, found := mt.search(key)
	if found {
		mt.size -= mt.entries[idx].valueLen()
		mt.entries[idx] = it
		return
	}

	mt.size += uint64(len(key)) + mt.overhead
	mt.entries = slices.Insert(mt.entries, idx, it)
}

// Get returns the item stored for key. A tombstone is reported as found;
// ok is false only when the key was never written to this memtable.
func (mt *Memtable) Get(key []byte) (Item, bool) {
	idx, found := mt.search(key)
	if !found {
		return Item{}, false
	}
	return mt.entries[idx], true
}

func (mt *Memtable) Len() int {
	return len(mt.entries)
}

// Size is the accounted byte cost used for flush decisions.
func (mt *Memtable) Size() uint64 {
	return mt.size
}

// Entries exposes the ordered items. The slice must not be modified.
func (mt *Memtable) Entries() []Item {
	return mt.entries
}

// search returns the position of key, or where it would be inserted.
func (mt *Memtable) search(key []byte) (int, bool) {
	return slices.BinarySearchFunc(mt.entries, key, func(it Item, k []byte) int {
		return bytes.Compare(it.Key, k)
	})
}

// clone copies b keeping empty values non-nil, so they stay distinct from
// tombstones.
func clone(b []byte) []byte {
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
