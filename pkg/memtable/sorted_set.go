package memtable

import "bytes"

// SortedSet is the read-only view of a frozen memtable handed to the flusher.
type SortedSet interface {
	Entries() []Item
	Len() int
	Size() uint64
}

var _ SortedSet = (*Memtable)(nil)

// Scan calls fn for every item with start <= key < end in key order.
// A nil bound is open. Tombstones are included. Scan stops when fn
// returns false.
func (mt *Memtable) Scan(start, end []byte, fn func(Item) bool) {
	idx := 0
	if start != nil {
		idx, _ = mt.search(start)
	}

	for ; idx < len(mt.entries); idx++ {
		it := mt.entries[idx]
		if end != nil && bytes.Compare(it.Key, end) >= 0 {
			return
		}
		if !fn(it) {
			return
		}
	}
}
