package engine

import (
	"bytes"
	"container/heap"
	"fmt"

	"membuf/pkg/dberrors"
	"membuf/pkg/memtable"
	"membuf/pkg/sstable"
)

// source is one sorted run; lower rank means newer data.
type source struct {
	items []memtable.Item
	pos   int
	rank  int
}

type mergeHeap []*source

func (h mergeHeap) Len() int      { return len(h) }
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Less orders by key, then puts the newest source first for equal keys.
func (h mergeHeap) Less(i, j int) bool {
	cmp := bytes.Compare(h[i].items[h[i].pos].Key, h[j].items[h[j].pos].Key)
	if cmp != 0 {
		return cmp < 0
	}
	return h[i].rank < h[j].rank
}

func (h *mergeHeap) Push(x any) {
	*h = append(*h, x.(*source))
}

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	*h = old[:n-1]
	return s
}

// Scan calls fn for every live key with start <= key < end in key order,
// with the newest value of each key. A nil bound is open. Scan stops early
// when fn returns false.
func (db *DB) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	if start != nil && end != nil && bytes.Compare(start, end) > 0 {
		return fmt.Errorf("%w: scan start is after end", dberrors.ErrInvalidArgument)
	}

	runs, err := db.collectRuns(start, end)
	if err != nil {
		return err
	}

	h := make(mergeHeap, 0, len(runs))
	for i, items := range runs {
		if len(items) > 0 {
			h = append(h, &source{items: items, rank: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		top := h[0]
		it := top.items[top.pos]

		// drop older versions of the same key
		for h.Len() > 0 && bytes.Equal(h[0].items[h[0].pos].Key, it.Key) {
			s := h[0]
			s.pos++
			if s.pos < len(s.items) {
				heap.Fix(&h, 0)
			} else {
				heap.Pop(&h)
			}
		}

		if it.Tombstone {
			continue
		}
		if !fn(it.Key, it.Value) {
			return nil
		}
	}

	return nil
}

// collectRuns snapshots the range from every source, newest generation
// first. Frozen memtables and tables are interleaved by generation since a
// failed flush can leave a frozen memtable behind newer tables.
func (db *DB) collectRuns(start, end []byte) ([][]memtable.Item, error) {
	type tableRun struct {
		run   int
		table *sstable.Table
	}

	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, dberrors.ErrClosed
	}

	runs := make([][]memtable.Item, 0, 1+len(db.imm)+db.tables.Len())
	runs = append(runs, snapshot(db.active, start, end))

	var tables []tableRun
	next := len(db.imm) - 1
	db.tables.Range(func(gen uint64, table *sstable.Table) bool {
		for ; next >= 0 && db.imm[next].generation >= gen; next-- {
			runs = append(runs, snapshot(db.imm[next].mt, start, end))
		}
		tables = append(tables, tableRun{run: len(runs), table: table})
		runs = append(runs, nil)
		return true
	})
	for ; next >= 0; next-- {
		runs = append(runs, snapshot(db.imm[next].mt, start, end))
	}
	db.mu.RUnlock()

	for _, tr := range tables {
		items, err := tr.table.Range(start, end)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sstable %s: %w", tr.table.Path(), err)
		}
		runs[tr.run] = items
	}

	return runs, nil
}

// snapshot copies the item headers so the run survives later mutations of
// the active memtable. Key and value bytes are never modified in place.
func snapshot(mt *memtable.Memtable, start, end []byte) []memtable.Item {
	var items []memtable.Item
	mt.Scan(start, end, func(it memtable.Item) bool {
		items = append(items, it)
		return true
	})
	return items
}
