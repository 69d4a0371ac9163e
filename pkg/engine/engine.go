// Package engine ties the memtable, the write-ahead log and sstables into a
// key-value store.
//
// Every mutation is appended to the WAL segment of the active memtable
// before it is applied. Once the active memtable's accounted size reaches
// the flush threshold it is frozen, a new memtable and WAL segment take its
// place, and the frozen one is handed to the background flusher. Frozen
// memtables keep serving reads until their sstable is registered.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"

	"membuf/pkg/cache"
	"membuf/pkg/clock"
	"membuf/pkg/compression"
	"membuf/pkg/config"
	"membuf/pkg/dberrors"
	"membuf/pkg/memtable"
	"membuf/pkg/sstable"
	"membuf/pkg/types"
	"membuf/pkg/wal"
)

const (
	lockFileName = "LOCK"
	tableSuffix  = ".sst"
)

// tables sorted newest first
type tableSet = skipmap.FuncMap[uint64, *sstable.Table]

// frozen is a memtable waiting to become an sstable.
type frozen struct {
	generation uint64
	mt         *memtable.Memtable
	walPath    string
}

type DB struct {
	cfg     config.DB
	dataDir string
	walDir  string

	lock    *flock.Flock
	clock   *clock.AtomicClock
	codec   compression.Type
	records *sstable.RecordCache

	mu         sync.RWMutex
	cond       *sync.Cond
	active     *memtable.Memtable
	journal    *wal.WAL
	generation uint64
	// oldest first
	imm      []*frozen
	flushErr error
	closed   bool

	tables  *tableSet
	flushCh chan *frozen
	flusher *Flusher
}

// Stats describes the current shape of the store.
type Stats struct {
	Generation     uint64 `json:"generation"`
	ActiveEntries  int    `json:"active_entries"`
	ActiveSize     uint64 `json:"active_size"`
	FlushThreshold uint64 `json:"flush_threshold"`
	Immutables     int    `json:"immutables"`
	Tables         int    `json:"tables"`

	Cache cache.Stats `json:"cache"`
}

// Open opens the store rooted at cfg.Persistence.RootPath, replaying any
// WAL segments left by a previous run.
func Open(cfg config.DB) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	codec, err := compression.ParseType(cfg.Persistence.Compression)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	dataDir := filepath.Clean(cfg.Persistence.RootPath)
	walDir := cfg.WAL.Dir
	if walDir == "" {
		walDir = filepath.Join(dataDir, "wal")
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock data directory: %w", err)
	}
	if !locked {
		return nil, dberrors.ErrLocked
	}

	db := &DB{
		cfg:     cfg,
		dataDir: dataDir,
		walDir:  walDir,
		lock:    lock,
		clock:   clock.NewAtomic(types.Timestamp{}),
		codec:   codec,
		tables: skipmap.NewFunc[uint64, *sstable.Table](func(a, b uint64) bool {
			return a > b
		}),
	}
	db.cond = sync.NewCond(&db.mu)
	if n := cfg.Persistence.BlockCacheBytes; n > 0 {
		db.records = sstable.NewRecordCache(n)
	}

	if err := db.open(); err != nil {
		db.closeTables()
		if uerr := lock.Unlock(); uerr != nil {
			log.Warn().Err(uerr).Msg("failed to release data directory lock")
		}
		return nil, err
	}

	db.flusher = NewFlusher(db.flushCh, db.persist, db.flushFailed)
	db.flusher.Start(context.Background())
	for _, f := range db.imm {
		db.flushCh <- f
	}

	log.Info().
		Str("dir", dataDir).
		Int("tables", db.tables.Len()).
		Int("recovered", len(db.imm)).
		Uint64("generation", db.generation).
		Msg("store opened")

	return db, nil
}

func (db *DB) open() error {
	maxGen, err := db.loadTables()
	if err != nil {
		return err
	}

	recovered, err := db.recover(&maxGen)
	if err != nil {
		return err
	}
	db.imm = recovered

	db.flushCh = make(chan *frozen, db.cfg.Memtable.MaxImmTables+len(recovered)+1)
	db.generation = maxGen
	return db.newActive()
}

func (db *DB) loadTables() (uint64, error) {
	paths, err := filepath.Glob(filepath.Join(db.dataDir, "*"+tableSuffix))
	if err != nil {
		return 0, fmt.Errorf("glob sstables: %w", err)
	}

	stale, _ := filepath.Glob(filepath.Join(db.dataDir, "*"+tableSuffix+".tmp"))
	for _, p := range stale {
		log.Warn().Str("file", p).Msg("removing unfinished sstable")
		if err := os.Remove(p); err != nil {
			return 0, fmt.Errorf("failed to remove unfinished sstable: %w", err)
		}
	}

	var maxGen uint64
	for _, p := range paths {
		var gen uint64
		if _, err := fmt.Sscanf(filepath.Base(p), "%d"+tableSuffix, &gen); err != nil {
			log.Warn().Str("file", p).Msg("skipping unrecognized sstable file")
			continue
		}

		table, err := sstable.Open(p, db.records)
		if err != nil {
			return 0, err
		}
		db.tables.Store(gen, table)
		maxGen = max(maxGen, gen)
	}

	return maxGen, nil
}

// recover replays WAL segments into frozen memtables, oldest first.
// Segments whose sstable already exists are leftovers of an interrupted
// cleanup and are removed.
func (db *DB) recover(maxGen *uint64) ([]*frozen, error) {
	gens, err := wal.Segments(db.walDir)
	if err != nil {
		return nil, err
	}

	var recovered []*frozen
	for _, gen := range gens {
		path := wal.SegmentPath(db.walDir, gen)
		*maxGen = max(*maxGen, gen)

		if _, ok := db.tables.Load(gen); ok {
			log.Debug().Uint64("generation", gen).Msg("removing WAL segment of a flushed memtable")
			if err := wal.Remove(path); err != nil {
				return nil, err
			}
			continue
		}

		mt := memtable.NewWithOverhead(db.cfg.Memtable.EntryOverheadBytes)
		err := wal.Replay(path, func(e wal.Entry) error {
			if e.Tombstone {
				mt.Delete(e.Key, e.Timestamp)
			} else {
				mt.Set(e.Key, e.Value, e.Timestamp)
			}
			db.clock.Set(e.Timestamp)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to replay WAL segment %d: %w", gen, err)
		}

		if mt.Len() == 0 {
			if err := wal.Remove(path); err != nil {
				return nil, err
			}
			continue
		}

		log.Info().
			Uint64("generation", gen).
			Int("entries", mt.Len()).
			Uint64("size", mt.Size()).
			Msg("recovered memtable from WAL")
		recovered = append(recovered, &frozen{generation: gen, mt: mt, walPath: path})
	}

	return recovered, nil
}

// newActive installs an empty memtable with a fresh WAL segment.
// Must be called with mu held (or before the DB is shared).
func (db *DB) newActive() error {
	gen := db.generation + 1
	journal, err := wal.Open(db.walDir, gen, db.cfg.WAL.Sync)
	if err != nil {
		return err
	}

	db.generation = gen
	db.journal = journal
	db.active = memtable.NewWithOverhead(db.cfg.Memtable.EntryOverheadBytes)
	return nil
}

// Put stores value under key.
func (db *DB) Put(key, value []byte) error {
	return db.apply(wal.Entry{Key: key, Value: value})
}

// Delete records a tombstone for key.
func (db *DB) Delete(key []byte) error {
	return db.apply(wal.Entry{Key: key, Tombstone: true})
}

func (db *DB) apply(entry wal.Entry) error {
	if len(entry.Key) == 0 {
		return fmt.Errorf("%w: empty key", dberrors.ErrInvalidArgument)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.makeRoomLocked(false); err != nil {
		return err
	}

	entry.Timestamp = db.clock.Next()
	if err := db.journal.Append(entry); err != nil {
		return fmt.Errorf("failed to append to WAL: %w", err)
	}

	if entry.Tombstone {
		db.active.Delete(entry.Key, entry.Timestamp)
	} else {
		db.active.Set(entry.Key, entry.Value, entry.Timestamp)
	}

	// hand the memtable off right away when the flusher has room,
	// otherwise the next writer waits for it
	if db.active.Size() >= db.cfg.Memtable.FlushThresholdBytes && len(db.imm) < db.cfg.Memtable.MaxImmTables {
		return db.rotateLocked()
	}

	return nil
}

// makeRoomLocked rotates the active memtable if it is over the threshold
// (or non-empty, with force), waiting for the flusher when too many frozen
// memtables are queued.
func (db *DB) makeRoomLocked(force bool) error {
	for {
		if db.closed {
			return dberrors.ErrClosed
		}

		full := db.active.Size() >= db.cfg.Memtable.FlushThresholdBytes
		if !full && !(force && db.active.Len() > 0) {
			return nil
		}
		if len(db.imm) < db.cfg.Memtable.MaxImmTables {
			return db.rotateLocked()
		}
		if db.flushErr != nil {
			return db.flushErr
		}

		log.Debug().Int("immutables", len(db.imm)).Msg("write stalled until flush completes")
		db.cond.Wait()
	}
}

func (db *DB) rotateLocked() error {
	f := &frozen{
		generation: db.journal.Generation(),
		mt:         db.active,
		walPath:    db.journal.Path(),
	}
	if err := db.journal.Close(); err != nil {
		return fmt.Errorf("failed to close WAL segment: %w", err)
	}
	if err := db.newActive(); err != nil {
		return err
	}

	db.imm = append(db.imm, f)
	db.flushCh <- f

	log.Debug().
		Uint64("generation", f.generation).
		Int("entries", f.mt.Len()).
		Uint64("size", f.mt.Size()).
		Msg("memtable rotated")

	return nil
}

// Get returns the newest value stored for key, or dberrors.ErrNotFound when
// the key is absent or deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return nil, dberrors.ErrClosed
	}

	if it, ok := db.active.Get(key); ok {
		db.mu.RUnlock()
		return found(it)
	}

	// A failed flush leaves its memtable frozen while newer generations
	// still become tables, so a frozen hit only beats older tables.
	var (
		frozenHit memtable.Item
		frozenGen uint64
		inFrozen  bool
	)
	for i := len(db.imm) - 1; i >= 0; i-- {
		if it, ok := db.imm[i].mt.Get(key); ok {
			frozenHit, frozenGen, inFrozen = it, db.imm[i].generation, true
			break
		}
	}
	db.mu.RUnlock()

	var (
		result memtable.Item
		hit    bool
		err    error
	)
	db.tables.Range(func(gen uint64, table *sstable.Table) bool {
		if inFrozen && gen <= frozenGen {
			return false
		}
		result, hit, err = table.Get(key)
		return err == nil && !hit
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read sstable: %w", err)
	}
	if hit {
		return found(result)
	}
	if inFrozen {
		return found(frozenHit)
	}

	return nil, dberrors.ErrNotFound
}

func found(it memtable.Item) ([]byte, error) {
	if it.Tombstone {
		return nil, dberrors.ErrNotFound
	}
	return it.Value, nil
}

// Flush freezes the active memtable, if it holds anything, and waits until
// every frozen memtable has been written to an sstable.
func (db *DB) Flush() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if err := db.makeRoomLocked(true); err != nil {
		return err
	}
	return db.waitFlushedLocked()
}

func (db *DB) waitFlushedLocked() error {
	for len(db.imm) > 0 {
		if db.flushErr != nil {
			return db.flushErr
		}
		db.cond.Wait()
	}
	return db.flushErr
}

// persist runs on the flusher goroutine.
func (db *DB) persist(f *frozen) error {
	path := filepath.Join(db.dataDir, fmt.Sprintf("%d%s", f.generation, tableSuffix))
	opts := sstable.Options{
		FPRate:      db.cfg.Persistence.BloomFilter.FPRate,
		Compression: db.codec,
	}
	if err := sstable.Write(path, f.mt.Entries(), opts); err != nil {
		return fmt.Errorf("failed to write sstable %d: %w", f.generation, err)
	}

	table, err := sstable.Open(path, db.records)
	if err != nil {
		return err
	}

	// the sstable is durable, so the segment is no longer needed for recovery
	if err := wal.Remove(f.walPath); err != nil {
		log.Warn().Err(err).Str("file", f.walPath).Msg("failed to remove flushed WAL segment")
	}

	db.mu.Lock()
	db.tables.Store(f.generation, table)
	db.imm = slices.DeleteFunc(db.imm, func(o *frozen) bool { return o == f })
	db.cond.Broadcast()
	db.mu.Unlock()

	log.Info().
		Uint64("generation", f.generation).
		Int("entries", f.mt.Len()).
		Int64("bytes", table.ApproximateSize()).
		Msg("memtable flushed")

	return nil
}

func (db *DB) flushFailed(err error) {
	log.Error().Err(err).Msg("memtable flush failed")

	db.mu.Lock()
	db.flushErr = err
	db.cond.Broadcast()
	db.mu.Unlock()
}

// Stats reports memtable and table counts.
func (db *DB) Stats() Stats {
	db.mu.RLock()
	stats := Stats{
		Generation:     db.generation,
		ActiveEntries:  db.active.Len(),
		ActiveSize:     db.active.Size(),
		FlushThreshold: db.cfg.Memtable.FlushThresholdBytes,
		Immutables:     len(db.imm),
		Tables:         db.tables.Len(),
	}
	db.mu.RUnlock()

	if db.records != nil {
		stats.Cache = db.records.Stats()
	}
	return stats
}

// Close flushes everything held in memory and releases the data directory.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return dberrors.ErrClosed
	}

	var errs []error
	if err := db.makeRoomLocked(true); err != nil {
		errs = append(errs, err)
	} else if err := db.waitFlushedLocked(); err != nil {
		errs = append(errs, err)
	}
	db.closed = true
	db.cond.Broadcast()
	db.mu.Unlock()

	db.flusher.Stop()

	if err := db.journal.Close(); err != nil {
		errs = append(errs, err)
	}
	db.closeTables()
	if err := db.lock.Unlock(); err != nil {
		errs = append(errs, fmt.Errorf("failed to release data directory lock: %w", err))
	}

	log.Info().Str("dir", db.dataDir).Msg("store closed")
	return errors.Join(errs...)
}

func (db *DB) closeTables() {
	db.tables.Range(func(gen uint64, table *sstable.Table) bool {
		if err := table.Close(); err != nil {
			log.Warn().Err(err).Uint64("generation", gen).Msg("failed to close sstable")
		}
		return true
	})
}
