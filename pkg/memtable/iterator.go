package memtable

import (
	"membuf/pkg/iterator"
	"membuf/pkg/types"
)

// Iter is a cursor over the memtable's ordered entries. It is invalidated
// by any mutation of the memtable.
type Iter struct {
	entries []Item
	pos     int
}

var _ iterator.Iterator = (*Iter)(nil)

// Iterator returns a cursor positioned before the first entry; call First
// or Seek before reading.
func (mt *Memtable) Iterator() *Iter {
	return &Iter{entries: mt.entries, pos: -1}
}

func (it *Iter) Seek(target types.Key) {
	mt := Memtable{entries: it.entries}
	it.pos, _ = mt.search(target)
}

func (it *Iter) First() {
	it.pos = 0
}

func (it *Iter) Last() {
	it.pos = len(it.entries) - 1
}

func (it *Iter) Next() {
	if it.pos < len(it.entries) {
		it.pos++
	}
}

func (it *Iter) Prev() {
	if it.pos >= 0 {
		it.pos--
	}
}

func (it *Iter) Valid() bool {
	return it.pos >= 0 && it.pos < len(it.entries)
}

func (it *Iter) Item() Item {
	return it.entries[it.pos]
}

func (it *Iter) Key() types.Key {
	return it.entries[it.pos].Key
}

func (it *Iter) Value() types.Value {
	return it.entries[it.pos].Value
}

func (it *Iter) Timestamp() types.Timestamp {
	return it.entries[it.pos].Timestamp
}

func (it *Iter) Tombstone() bool {
	return it.entries[it.pos].Tombstone
}

func (it *Iter) Close() error {
	it.entries = nil
	it.pos = -1
	return nil
}
