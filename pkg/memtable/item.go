package memtable

import (
	"membuf/pkg/types"
)

const (
	// DefaultEntryOverhead is charged once per distinct key: a 16 byte
	// timestamp plus a 1 byte tombstone flag.
	DefaultEntryOverhead uint64 = types.TimestampSize + 1
)

// Item is the latest mutation recorded for a key. Value is nil exactly when
// Tombstone is set.
type Item struct {
	Key       []byte
	Value     []byte
	Timestamp types.Timestamp
	Tombstone bool
}

func (it *Item) valueLen() uint64 {
	if it.Tombstone {
		return 0
	}
	return uint64(len(it.Value))
}
