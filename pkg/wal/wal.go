package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"membuf/pkg/types"
)

const (
	segmentPattern = "wal-*.log"

	// crc (4) + payload length (4)
	frameHeaderSize = 4 + 4
	// ts hi (8) + ts lo (8) + tombstone (1) + key len (4) + value len (4)
	payloadFixedSize = 8 + 8 + 1 + 4 + 4
)

var (
	ErrClosed      = errors.New("wal: closed")
	errCorruptTail = errors.New("wal: corrupt tail")
)

// Entry represents a single mutation
type Entry struct {
	Timestamp types.Timestamp
	Key       []byte
	Value     []byte
	Tombstone bool
}

// WAL is one log segment. Each memtable generation gets its own segment so
// that it can be removed once that memtable reaches an sstable.
type WAL struct {
	mu         sync.Mutex
	file       *os.File
	writer     *bufio.Writer
	filePath   string
	generation uint64
	sync       bool
}

// SegmentPath returns the file path of the segment for generation.
func SegmentPath(dir string, generation uint64) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%020d.log", generation))
}

// Open opens (or creates) the segment for generation in dir. With sync set
// every Append is fsynced before it returns.
func Open(dir string, generation uint64, sync bool) (*WAL, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty WAL dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filePath := SegmentPath(dir, generation)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		file:       file,
		writer:     bufio.NewWriter(file),
		filePath:   filePath,
		generation: generation,
		sync:       sync,
	}, nil
}

func (w *WAL) Generation() uint64 {
	return w.generation
}

func (w *WAL) Path() string {
	return w.filePath
}

// Append writes entry to the segment. The entry is in the OS page cache (or
// on disk, with sync) when Append returns.
func (w *WAL) Append(entry Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer == nil {
		return ErrClosed
	}

	if err := w.writeEntry(entry); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if w.sync {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	return nil
}

func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writer != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush WAL on close: %w", err)
		}
		w.writer = nil
	}

	if w.file != nil {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync WAL on close: %w", err)
		}
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
		w.file = nil
	}

	return nil
}

// Remove deletes a segment file. A missing file is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove WAL segment: %w", err)
	}
	return nil
}

// Segments lists the generations of all segments in dir, oldest first.
func Segments(dir string) ([]uint64, error) {
	paths, err := filepath.Glob(filepath.Join(dir, segmentPattern))
	if err != nil {
		return nil, fmt.Errorf("glob WAL segments: %w", err)
	}

	gens := make([]uint64, 0, len(paths))
	for _, p := range paths {
		var gen uint64
		if _, err := fmt.Sscanf(filepath.Base(p), "wal-%d.log", &gen); err != nil {
			log.Warn().Str("file", p).Msg("skipping unrecognized WAL file")
			continue
		}
		gens = append(gens, gen)
	}
	slices.Sort(gens)

	return gens, nil
}

// Replay calls callback for every entry of the segment at path, in write
// order. A torn or corrupt tail ends the replay without an error.
func Replay(path string, callback func(Entry) error) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open WAL for reading: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close WAL read file")
		}
	}()

	reader := bufio.NewReader(file)
	for n := 0; ; n++ {
		entry, err := readEntry(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if errors.Is(err, errCorruptTail) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn().Str("file", path).Int("entries", n).Msg("WAL has a torn tail, ignoring the rest")
				return nil
			}
			return fmt.Errorf("failed to read WAL entry: %w", err)
		}

		if err := callback(entry); err != nil {
			return fmt.Errorf("WAL replay callback failed: %w", err)
		}
	}
}

// writeEntry writes one frame: crc32 | payload length | payload.
func (w *WAL) writeEntry(entry Entry) error {
	if len(entry.Key) > math.MaxUint32 {
		return fmt.Errorf("key too large: %d", len(entry.Key))
	}
	if len(entry.Value) > math.MaxUint32 {
		return fmt.Errorf("value too large: %d", len(entry.Value))
	}

	payload := make([]byte, 0, payloadFixedSize+len(entry.Key)+len(entry.Value))
	payload = binary.LittleEndian.AppendUint64(payload, entry.Timestamp.Hi)
	payload = binary.LittleEndian.AppendUint64(payload, entry.Timestamp.Lo)
	if entry.Tombstone {
		payload = append(payload, 1)
	} else {
		payload = append(payload, 0)
	}
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(entry.Key)))
	payload = append(payload, entry.Key...)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(entry.Value)))
	payload = append(payload, entry.Value...)

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], crc32.ChecksumIEEE(payload))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	_, err := w.writer.Write(payload)
	return err
}

// readEntry reads a single frame
func readEntry(reader io.Reader) (Entry, error) {
	var entry Entry

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return entry, err
	}
	sum := binary.LittleEndian.Uint32(header[0:4])
	size := binary.LittleEndian.Uint32(header[4:8])
	if size < payloadFixedSize {
		return entry, errCorruptTail
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return entry, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return entry, errCorruptTail
	}

	entry.Timestamp.Hi = binary.LittleEndian.Uint64(payload[0:8])
	entry.Timestamp.Lo = binary.LittleEndian.Uint64(payload[8:16])
	entry.Tombstone = payload[16] == 1

	rest := payload[17:]
	keyLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(keyLen)+4 > uint64(len(rest)) {
		return entry, errCorruptTail
	}
	entry.Key = rest[:keyLen]
	rest = rest[keyLen:]

	valueLen := binary.LittleEndian.Uint32(rest[0:4])
	rest = rest[4:]
	if uint64(valueLen) != uint64(len(rest)) {
		return entry, errCorruptTail
	}
	if !entry.Tombstone {
		entry.Value = rest
	}

	return entry, nil
}
