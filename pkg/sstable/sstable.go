// Package sstable stores a flushed memtable as an immutable sorted file.
//
// Layout:
//
//	data   | keyLen u32 | key | flag u8 | ts.Hi u64 | ts.Lo u64 | valLen u32 | value | ...
//	index  | keyLen u32 | key | offset u64 | ...
//	bloom  | len u32 | filter bytes
//	footer | indexOffset u64 | bloomOffset u64 | count u64 | magic u64
//
// All integers are little-endian. Bit 0 of flag marks a tombstone, the
// upper bits hold the compression.Type of the stored value.
package sstable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"membuf/pkg/cache"
	"membuf/pkg/compression"
	"membuf/pkg/memtable"
	"membuf/pkg/types"
)

const (
	magic      uint64 = 0x4d454d4255465353 // "MEMBUFSS"
	footerSize        = 8 * 4

	recordFixedSize = 4 + 1 + 8 + 8 + 4
	flagTombstone   = 1

	// values shorter than this are stored as is
	minCompressSize = 64
	// per-record bookkeeping charged to the record cache
	cachedRecordOverhead = 64
)

var (
	ErrCorrupt = errors.New("sstable: corrupt file")
	ErrClosed  = errors.New("sstable: closed")
)

var tableIDs atomic.Uint64

// Options control how a table is written.
type Options struct {
	// false positive rate of the bloom filter
	FPRate float64
	// codec for values of at least minCompressSize bytes
	Compression compression.Type
}

type recordKey struct {
	table uint64
	index int
}

// RecordCache holds decoded records shared by every table opened with it.
type RecordCache = cache.LRU[recordKey, memtable.Item]

// NewRecordCache returns a cache bounded to roughly capacity bytes of
// keys and values.
func NewRecordCache(capacity uint64) *RecordCache {
	return cache.New[recordKey, memtable.Item](capacity, func(it memtable.Item) uint64 {
		return uint64(len(it.Key)+len(it.Value)) + cachedRecordOverhead
	})
}

type indexEntry struct {
	key    []byte
	offset uint64
}

// Table is an open sstable. Reads are safe for concurrent use.
type Table struct {
	id       uint64
	mu       sync.RWMutex
	filePath string
	cache    *RecordCache
	file     *os.File
	size     int64

	bloom *BloomFilter
	index []indexEntry
	// end of the data section
	dataEnd uint64
}

// Write serializes items, which must be sorted by key without duplicates,
// into path. The file appears atomically via rename.
func Write(path string, items []memtable.Item, opts Options) (err error) {
	var codec compression.Codec
	if opts.Compression != compression.None {
		if codec, err = compression.Lookup(opts.Compression); err != nil {
			return err
		}
	}

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create sstable file: %w", err)
	}
	defer func() {
		if err != nil {
			file.Close()
			os.Remove(tmp)
		}
	}()

	bloom := NewBloomFilter(uint32(len(items)), opts.FPRate)
	index := make([]indexEntry, 0, len(items))

	w := bufio.NewWriter(file)
	var offset uint64
	for i := range items {
		it := &items[i]
		if i > 0 && bytes.Compare(items[i-1].Key, it.Key) >= 0 {
			return fmt.Errorf("items out of order at %d", i)
		}
		if len(it.Key) > math.MaxUint32 || len(it.Value) > math.MaxUint32 {
			return fmt.Errorf("record %d too large", i)
		}

		index = append(index, indexEntry{key: it.Key, offset: offset})
		bloom.Add(it.Key)

		n, err := writeRecord(w, it, codec)
		if err != nil {
			return fmt.Errorf("failed to write record: %w", err)
		}
		offset += n
	}

	indexOffset := offset
	for _, e := range index {
		if err := writeUint32(w, uint32(len(e.key))); err != nil {
			return err
		}
		if _, err := w.Write(e.key); err != nil {
			return err
		}
		if err := writeUint64(w, e.offset); err != nil {
			return err
		}
		offset += 4 + uint64(len(e.key)) + 8
	}

	bloomOffset := offset
	bloomBytes, err := bloom.MarshalBinary()
	if err != nil {
		return err
	}
	if err := writeUint32(w, uint32(len(bloomBytes))); err != nil {
		return err
	}
	if _, err := w.Write(bloomBytes); err != nil {
		return err
	}

	for _, v := range []uint64{indexOffset, bloomOffset, uint64(len(items)), magic} {
		if err := writeUint64(w, v); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush sstable: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sstable: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close sstable: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename sstable: %w", err)
	}

	return nil
}

// Open reads the footer, index and bloom filter of the table at path.
// rc may be nil.
func Open(path string, rc *RecordCache) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SSTable file: %w", err)
	}

	t := &Table{id: tableIDs.Add(1), filePath: path, file: file, cache: rc}
	if err := t.load(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	return t, nil
}

func (t *Table) load() error {
	stat, err := t.file.Stat()
	if err != nil {
		return err
	}
	t.size = stat.Size()
	if t.size < footerSize {
		return ErrCorrupt
	}

	footer := make([]byte, footerSize)
	if _, err := t.file.ReadAt(footer, t.size-footerSize); err != nil {
		return err
	}
	indexOffset := binary.LittleEndian.Uint64(footer[0:8])
	bloomOffset := binary.LittleEndian.Uint64(footer[8:16])
	count := binary.LittleEndian.Uint64(footer[16:24])
	if binary.LittleEndian.Uint64(footer[24:32]) != magic {
		return fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	footerOffset := uint64(t.size - footerSize)
	if indexOffset > bloomOffset || bloomOffset > footerOffset {
		return fmt.Errorf("%w: bad section offsets", ErrCorrupt)
	}

	meta := make([]byte, footerOffset-indexOffset)
	if _, err := t.file.ReadAt(meta, int64(indexOffset)); err != nil {
		return err
	}

	indexBytes := meta[:bloomOffset-indexOffset]
	t.index = make([]indexEntry, 0, count)
	for len(indexBytes) > 0 {
		if len(indexBytes) < 4 {
			return fmt.Errorf("%w: truncated index", ErrCorrupt)
		}
		keyLen := uint64(binary.LittleEndian.Uint32(indexBytes))
		indexBytes = indexBytes[4:]
		if uint64(len(indexBytes)) < keyLen+8 {
			return fmt.Errorf("%w: truncated index", ErrCorrupt)
		}
		t.index = append(t.index, indexEntry{
			key:    indexBytes[:keyLen:keyLen],
			offset: binary.LittleEndian.Uint64(indexBytes[keyLen:]),
		})
		indexBytes = indexBytes[keyLen+8:]
	}
	if uint64(len(t.index)) != count {
		return fmt.Errorf("%w: index has %d entries, footer says %d", ErrCorrupt, len(t.index), count)
	}

	bloomBytes := meta[bloomOffset-indexOffset:]
	if len(bloomBytes) < 4 || uint64(binary.LittleEndian.Uint32(bloomBytes)) != uint64(len(bloomBytes)-4) {
		return fmt.Errorf("%w: bad bloom section", ErrCorrupt)
	}
	t.bloom = &BloomFilter{}
	if err := t.bloom.UnmarshalBinary(bloomBytes[4:]); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	t.dataEnd = indexOffset
	return nil
}

// Get looks key up. A tombstone is returned with ok set.
func (t *Table) Get(key []byte) (memtable.Item, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.file == nil {
		return memtable.Item{}, false, ErrClosed
	}
	if !t.bloom.MayContain(key) {
		return memtable.Item{}, false, nil
	}

	idx, found := t.search(key)
	if !found {
		return memtable.Item{}, false, nil
	}

	if t.cache != nil {
		if it, ok := t.cache.Get(recordKey{t.id, idx}); ok {
			return it, true, nil
		}
	}

	it, err := t.readAt(idx)
	if err != nil {
		return memtable.Item{}, false, err
	}
	if t.cache != nil {
		t.cache.Add(recordKey{t.id, idx}, it)
	}
	return it, true, nil
}

// Items reads the whole table in key order.
func (t *Table) Items() ([]memtable.Item, error) {
	return t.Range(nil, nil)
}

// Range reads the records with start <= key < end in key order. A nil
// bound is open.
func (t *Table) Range(start, end []byte) ([]memtable.Item, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.file == nil {
		return nil, ErrClosed
	}

	from := 0
	if start != nil {
		from, _ = t.search(start)
	}
	to := len(t.index)
	if end != nil {
		to, _ = t.search(end)
	}
	if from >= to {
		return nil, nil
	}

	begin := t.index[from].offset
	stop := t.dataEnd
	if to < len(t.index) {
		stop = t.index[to].offset
	}

	r := bufio.NewReader(io.NewSectionReader(t.file, int64(begin), int64(stop-begin)))
	items := make([]memtable.Item, 0, to-from)
	for i := from; i < to; i++ {
		it, err := readRecord(r)
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}
		items = append(items, it)
	}

	return items, nil
}

func (t *Table) search(key []byte) (int, bool) {
	return slices.BinarySearchFunc(t.index, key, func(e indexEntry, k []byte) int {
		return bytes.Compare(e.key, k)
	})
}

func (t *Table) readAt(idx int) (memtable.Item, error) {
	end := t.dataEnd
	if idx+1 < len(t.index) {
		end = t.index[idx+1].offset
	}
	start := t.index[idx].offset
	if start >= end {
		return memtable.Item{}, ErrCorrupt
	}

	buf := make([]byte, end-start)
	if _, err := t.file.ReadAt(buf, int64(start)); err != nil {
		return memtable.Item{}, fmt.Errorf("failed to read record: %w", err)
	}
	return readRecord(bytes.NewReader(buf))
}

func (t *Table) Len() int {
	return len(t.index)
}

// ApproximateSize returns the file size in bytes.
func (t *Table) ApproximateSize() int64 {
	return t.size
}

func (t *Table) Path() string {
	return t.filePath
}

func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		return nil
	}
	if t.cache != nil {
		t.cache.RemoveFunc(func(k recordKey) bool { return k.table == t.id })
	}
	err := t.file.Close()
	t.file = nil
	return err
}

func writeRecord(w io.Writer, it *memtable.Item, codec compression.Codec) (uint64, error) {
	var (
		flag  byte
		value []byte
	)
	switch {
	case it.Tombstone:
		flag = flagTombstone
	case codec != nil && len(it.Value) >= minCompressSize:
		value = codec.Compress(nil, it.Value)
		if len(value) < len(it.Value) {
			flag = byte(codec.Type()) << 1
		} else {
			value = it.Value
		}
	default:
		value = it.Value
	}

	buf := make([]byte, 0, recordFixedSize+len(it.Key)+len(value))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(it.Key)))
	buf = append(buf, it.Key...)
	buf = append(buf, flag)
	buf = binary.LittleEndian.AppendUint64(buf, it.Timestamp.Hi)
	buf = binary.LittleEndian.AppendUint64(buf, it.Timestamp.Lo)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(value)))
	buf = append(buf, value...)

	n, err := w.Write(buf)
	return uint64(n), err
}

func readRecord(r io.Reader) (memtable.Item, error) {
	var it memtable.Item

	var keyLen uint32
	if err := binary.Read(r, binary.LittleEndian, &keyLen); err != nil {
		return it, err
	}
	it.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, it.Key); err != nil {
		return it, err
	}

	var head [1 + 8 + 8 + 4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return it, err
	}
	flag := head[0]
	it.Tombstone = flag&flagTombstone != 0
	it.Timestamp = types.Timestamp{
		Hi: binary.LittleEndian.Uint64(head[1:9]),
		Lo: binary.LittleEndian.Uint64(head[9:17]),
	}
	valueLen := binary.LittleEndian.Uint32(head[17:21])

	if it.Tombstone {
		if valueLen != 0 {
			return it, ErrCorrupt
		}
		return it, nil
	}
	it.Value = make([]byte, valueLen)
	if _, err := io.ReadFull(r, it.Value); err != nil {
		return it, err
	}

	if ct := compression.Type(flag >> 1); ct != compression.None {
		codec, err := compression.Lookup(ct)
		if err != nil {
			return it, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if it.Value, err = codec.Decompress(nil, it.Value); err != nil {
			return it, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	return it, nil
}

func writeUint32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func writeUint64(w io.Writer, v uint64) error {
	return binary.Write(w, binary.LittleEndian, v)
}
