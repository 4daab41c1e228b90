// Package filestore provides an append-only store of entries keyed by a
// contiguous range of block numbers. Entry payloads live in one group of
// segment files and the address of each payload lives in a block index, so
// a lookup by number is one index read and one payload read.
package filestore

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockindex"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/segfile"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

// Set of error variables for the store.
var (
	ErrNotFound  = errors.New("filestore: entry not found")
	ErrCorrupted = errors.New("filestore: store corrupted")
	ErrFatal     = errors.New("filestore: fatal storage error")
)

// Directory layout of a store.
const (
	blocksDir       = "blocks"
	indexDir        = "index"
	startNumberFile = "startno"

	blocksPrefix = "blk"
	blocksSuffix = "dat"
)

// Default settings used when the config leaves them unset.
const (
	DefaultMaxBlockFileSize    = 128 << 20
	DefaultIndexEntriesPerFile = 1_000_000
	DefaultCacheSize           = 10
)

// Numbered is the behavior an entry needs to be stored by number.
type Numbered interface {
	Number() uint64
}

// Codec turns entries into bytes and back.
type Codec[T Numbered] interface {
	Encode(entry T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// EventHandler defines a function that is called when events occur in the
// processing of the store.
type EventHandler func(v string, args ...any)

// Config represents the settings for a store.
type Config[T Numbered] struct {
	Dir                 string
	MaxBlockFileSize    uint32
	IndexEntriesPerFile uint32
	CacheSize           int
	Codec               Codec[T]
	Strict              bool
	EvHandler           EventHandler
}

// Store manages the entries kept on disk.
type Store[T Numbered] struct {
	mu sync.RWMutex

	dir       string
	codec     Codec[T]
	strict    bool
	evHandler EventHandler

	blocks *segfile.Store
	index  *blockindex.Index

	start  uint64
	max    uint64
	failed error

	cache *lru.Cache[uint64, T]

	// Entries that arrived ahead of max+1 wait here until the gap closes.
	pending map[uint64]T
}

// Open opens the store kept in the configured directory, creating it when
// it doesn't exist, and checks that the last indexed entry is readable.
func Open[T Numbered](cfg Config[T]) (*Store[T], error) {
	if cfg.Codec == nil {
		return nil, errors.New("filestore: codec must be provided")
	}

	if cfg.MaxBlockFileSize == 0 {
		cfg.MaxBlockFileSize = DefaultMaxBlockFileSize
	}
	if cfg.IndexEntriesPerFile == 0 {
		cfg.IndexEntriesPerFile = DefaultIndexEntriesPerFile
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	cache, err := lru.New[uint64, T](cfg.CacheSize)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	s := Store[T]{
		dir:       cfg.Dir,
		codec:     cfg.Codec,
		strict:    cfg.Strict,
		evHandler: ev,
		cache:     cache,
		pending:   make(map[uint64]T),
	}

	s.blocks, err = segfile.Open(segfile.Config{
		Dir:         filepath.Join(cfg.Dir, blocksDir),
		Prefix:      blocksPrefix,
		Suffix:      blocksSuffix,
		MaxFileSize: cfg.MaxBlockFileSize,
	})
	if err != nil {
		return nil, err
	}

	s.index, err = blockindex.Open(filepath.Join(cfg.Dir, indexDir), cfg.IndexEntriesPerFile)
	if err != nil {
		s.blocks.Close()
		return nil, err
	}

	s.start, err = readStartNumber(cfg.Dir)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.max = s.start - 1 + s.index.Count()
	ev("filestore: Open: dir[%s] start[%d] max[%d]", cfg.Dir, s.start, s.max)

	if err := s.checkSanity(); err != nil {
		s.Close()
		return nil, err
	}

	return &s, nil
}

// Close closes the segment files of the store.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.index != nil {
		if err := s.index.Close(); err != nil {
			firstErr = err
		}
	}
	if s.blocks != nil {
		if err := s.blocks.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Put appends the entry. It returns false when an entry with the same or a
// higher number is already stored, since stored entries are never replaced.
// An entry that would leave a hole is held in memory and written once the
// entries before it arrive.
func (s *Store[T]) Put(entry T) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return false, s.failed
	}

	number := entry.Number()
	if number <= s.max {
		s.evHandler("filestore: Put: number[%d] max[%d]: already stored", number, s.max)
		return false, nil
	}

	if number != s.max+1 {
		s.pending[number] = entry
		s.evHandler("filestore: Put: number[%d] max[%d]: holding discontinuous entry", number, s.max)
		return true, nil
	}

	if err := s.putContinuous(entry); err != nil {
		return false, err
	}

	for {
		next, exists := s.pending[s.max+1]
		if !exists {
			break
		}
		delete(s.pending, s.max+1)

		if err := s.putContinuous(next); err != nil {
			return true, err
		}
	}

	return true, nil
}

// Get returns the entry stored under the number.
func (s *Store[T]) Get(number uint64) (T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var zero T

	if s.failed != nil {
		return zero, s.failed
	}

	if number == 0 || number < s.start {
		return zero, errors.Wrapf(ErrNotFound, "number %d below start %d", number, s.start)
	}

	if number > s.max {
		if entry, exists := s.pending[number]; exists {
			return entry, nil
		}
		return zero, errors.Wrapf(ErrNotFound, "number %d above max %d", number, s.max)
	}

	if entry, exists := s.cache.Get(number); exists {
		return entry, nil
	}

	entry, err := s.read(number)
	if err != nil {
		return zero, err
	}

	s.cache.Add(number, entry)

	return entry, nil
}

// MaxNumber returns the number of the last entry written to disk. An empty
// store reports one less than its start number.
func (s *Store[T]) MaxNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.max
}

// StartNumber returns the number of the first entry the store holds.
func (s *Store[T]) StartNumber() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.start
}

// PendingNumbers returns the numbers of the entries held in memory waiting
// for the entries before them, in ascending order.
func (s *Store[T]) PendingNumbers() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	numbers := make([]uint64, 0, len(s.pending))
	for number := range s.pending {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })

	return numbers
}

// RollbackTo keeps the entries up to and including number and drops the
// rest, including entries held in memory. Rolling back to one less than the
// start number empties the store.
func (s *Store[T]) RollbackTo(number uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return s.failed
	}

	if number+1 < s.start || number > s.max {
		return errors.Wrapf(ErrNotFound, "rollback to %d outside [%d, %d]", number, s.start-1, s.max)
	}

	s.evHandler("filestore: RollbackTo: number[%d] max[%d]", number, s.max)

	s.cache.Purge()
	clear(s.pending)

	if number+1 == s.start {
		if err := s.index.Reset(); err != nil {
			return s.fail(err)
		}
		if err := s.blocks.Reset(); err != nil {
			return s.fail(err)
		}
		s.max = number
		return nil
	}

	seq := number - s.start
	pos, err := s.index.Lookup(seq)
	if err != nil {
		return s.fail(err)
	}

	if err := s.index.Truncate(seq + 1); err != nil {
		return s.fail(err)
	}

	if err := s.blocks.RollbackTo(pos); err != nil {
		return s.fail(err)
	}

	s.max = number

	return nil
}

// SetStartNumber empties the store and makes number the next entry it
// accepts. The start number is persisted so it survives a restart.
func (s *Store[T]) SetStartNumber(number uint64) error {
	if number == 0 {
		return errors.New("filestore: start number must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failed != nil {
		return s.failed
	}

	s.evHandler("filestore: SetStartNumber: start[%d] max[%d]", number, s.max)

	if err := s.index.Reset(); err != nil {
		return s.fail(err)
	}
	if err := s.blocks.Reset(); err != nil {
		return s.fail(err)
	}

	if err := writeStartNumber(s.dir, number); err != nil {
		return err
	}

	s.cache.Purge()
	clear(s.pending)
	s.start = number
	s.max = number - 1

	return nil
}

// =============================================================================

// putContinuous writes the payload and then its index record. When the
// index write fails the payload is rolled back and the store refuses any
// further work. The write lock must be held.
func (s *Store[T]) putContinuous(entry T) error {
	number := entry.Number()

	data, err := s.codec.Encode(entry)
	if err != nil {
		return errors.Wrapf(err, "encoding entry %d", number)
	}

	pos, err := s.blocks.Write(data)
	if err != nil {
		return s.fail(errors.Wrapf(err, "writing entry %d", number))
	}

	if _, err := s.index.Append(pos); err != nil {
		if rbErr := s.blocks.Rollback(pos); rbErr != nil {
			return s.fail(errors.Wrapf(rbErr, "rolling back entry %d after index error %v", number, err))
		}
		return s.fail(errors.Wrapf(err, "writing index of entry %d", number))
	}

	s.max = number
	s.cache.Add(number, entry)

	return nil
}

// read loads an entry from disk. A read lock must be held.
func (s *Store[T]) read(number uint64) (T, error) {
	var zero T

	pos, err := s.index.Lookup(number - s.start)
	if err != nil {
		return zero, errors.Wrapf(err, "reading index of entry %d", number)
	}

	data, err := s.blocks.Read(pos)
	if err != nil {
		return zero, errors.Wrapf(err, "reading entry %d at %s", number, pos)
	}

	entry, err := s.codec.Decode(data)
	if err != nil {
		return zero, errors.Wrapf(err, "decoding entry %d", number)
	}

	return entry, nil
}

// fail marks the store as unusable. Storage failures leave the segment files
// in a state this process can't reason about anymore.
func (s *Store[T]) fail(err error) error {
	s.failed = errors.Wrap(ErrFatal, err.Error())
	s.evHandler("filestore: %v", s.failed)

	return s.failed
}

// checkSanity verifies the last indexed entry can be read back and carries
// the expected number. In strict mode a failure stops the open, otherwise
// it is only reported.
func (s *Store[T]) checkSanity() error {
	if s.max < s.start {
		return nil
	}

	entry, err := s.read(s.max)
	switch {
	case err != nil:
		err = errors.Wrapf(ErrCorrupted, "last entry %d unreadable: %v", s.max, err)

	case entry.Number() != s.max:
		err = errors.Wrapf(ErrCorrupted, "index max number %d vs entry number %d", s.max, entry.Number())

	default:
		return nil
	}

	if s.strict {
		return err
	}

	s.evHandler("filestore: checkSanity: ERROR: %s", err)
	return nil
}

// =============================================================================

// readStartNumber reads the persisted start number. A store that never had
// one starts at 1.
func readStartNumber(dir string) (uint64, error) {
	data, err := os.ReadFile(filepath.Join(dir, startNumberFile))
	if err != nil {
		if os.IsNotExist(err) {
			return 1, nil
		}
		return 0, errors.WithStack(err)
	}

	if len(data) < 8 {
		return 1, nil
	}

	number := binary.LittleEndian.Uint64(data[:8])
	if number == 0 {
		return 1, nil
	}

	return number, nil
}

// writeStartNumber persists the start number as 8 little endian bytes.
func writeStartNumber(dir string, number uint64) error {
	var data [8]byte
	binary.LittleEndian.PutUint64(data[:], number)

	if err := os.WriteFile(filepath.Join(dir, startNumberFile), data[:], 0644); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// =============================================================================

// BlockCodec adapts a block codec for storing plain block records.
type BlockCodec struct {
	database.Codec
}

// Encode implements the Codec interface.
func (c BlockCodec) Encode(block database.BlockRecord) ([]byte, error) {
	return c.EncodeBlock(block)
}

// Decode implements the Codec interface.
func (c BlockCodec) Decode(data []byte) (database.BlockRecord, error) {
	return c.DecodeBlock(data)
}
