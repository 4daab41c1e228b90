// Package segfile implements an append-only store split across numbered
// segment files of bounded size. Records are addressed by the segment they
// live in, their byte offset and their length.
//
// All writes, rollbacks and reads of the tail segment are serialized through
// the write cursor. Sealed segments are read through a read-only memory map
// and only switching the mapped segment is serialized.
package segfile

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Set of error variables for the store.
var (
	ErrClosed    = errors.New("segfile: store closed")
	ErrShortRead = errors.New("segfile: file has not enough bytes")
	ErrNotTail   = errors.New("segfile: position is not the tail record")
	ErrTooLarge  = errors.New("segfile: record larger than max file size")
)

// Position is the address of a record inside the store.
type Position struct {
	File   uint32
	Offset uint32
	Length uint32
}

// End returns the offset just past the record.
func (p Position) End() uint32 {
	return p.Offset + p.Length
}

// String implements the Stringer interface for logging.
func (p Position) String() string {
	return fmt.Sprintf("%d:%d+%d", p.File, p.Offset, p.Length)
}

// Config represents the settings for a store. Segment files are named
// Prefix + five digit number + "." + Suffix so they sort in numeric order.
type Config struct {
	Dir         string
	Prefix      string
	Suffix      string
	MaxFileSize uint32
}

// Store manages a group of segment files.
type Store struct {
	cfg Config

	// cursor guards the tail segment. It is held for every write, rollback
	// and tail read.
	cursor writeCursor

	// mapMu guards the single mapped sealed segment. Readers of the mapped
	// segment share the lock, switching to another segment takes it
	// exclusively.
	mapMu  sync.RWMutex
	mapped *mappedFile
}

// Open scans the directory for the highest numbered segment and positions
// the write cursor at its end.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxFileSize == 0 {
		return nil, errors.Errorf("segfile: max file size for %s must be positive", cfg.Prefix)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}

	s := Store{cfg: cfg}
	if err := s.openTail(); err != nil {
		return nil, err
	}

	return &s, nil
}

// Close syncs and closes the tail segment and releases the mapped segment.
func (s *Store) Close() error {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return nil
	}

	s.unmap()

	err := s.cursor.close()
	s.cursor.file = nil
	return err
}

// Write appends the data to the tail segment, moving to a new segment first
// when the data doesn't fit in the remaining capacity. The data is synced to
// disk before the position is returned.
func (s *Store) Write(data []byte) (Position, error) {
	if uint64(len(data)) > uint64(s.cfg.MaxFileSize) {
		return Position{}, errors.Wrapf(ErrTooLarge, "%d bytes", len(data))
	}

	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return Position{}, ErrClosed
	}

	if uint64(s.cursor.size)+uint64(len(data)) > uint64(s.cfg.MaxFileSize) {
		if err := s.switchToNext(); err != nil {
			return Position{}, err
		}
	}

	pos := Position{
		File:   s.cursor.number,
		Offset: s.cursor.size,
		Length: uint32(len(data)),
	}

	if _, err := s.cursor.file.WriteAt(data, int64(pos.Offset)); err != nil {
		return Position{}, errors.Wrapf(err, "writing %d bytes to %s at %s", len(data), s.filePath(pos.File), pos)
	}

	if err := s.cursor.file.Sync(); err != nil {
		return Position{}, errors.Wrapf(err, "syncing %s", s.filePath(pos.File))
	}

	s.cursor.size += pos.Length

	return pos, nil
}

// Read returns exactly pos.Length bytes starting at pos.Offset of the
// segment pos.File.
func (s *Store) Read(pos Position) ([]byte, error) {
	s.cursor.Lock()
	if s.cursor.file == nil {
		s.cursor.Unlock()
		return nil, ErrClosed
	}

	switch {
	case pos.File > s.cursor.number:
		s.cursor.Unlock()
		return nil, errors.Wrapf(ErrShortRead, "segment %d is past the tail %d", pos.File, s.cursor.number)

	case pos.File == s.cursor.number:
		defer s.cursor.Unlock()
		return s.readTail(pos)
	}
	s.cursor.Unlock()

	return s.readSealed(pos)
}

// Contains reports whether the position addresses bytes that were written.
func (s *Store) Contains(pos Position) bool {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	switch {
	case pos.File < s.cursor.number:
		return true
	case pos.File == s.cursor.number:
		return pos.End() <= s.cursor.size
	default:
		return false
	}
}

// Location returns the tail segment number and its size. The next write
// lands at this location unless it forces a new segment.
func (s *Store) Location() (file uint32, size uint32) {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	return s.cursor.number, s.cursor.size
}

// SwitchToNextFile seals the tail segment and starts a new one.
func (s *Store) SwitchToNextFile() error {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return ErrClosed
	}

	return s.switchToNext()
}

// =============================================================================

// readTail reads through the write handle. The cursor lock must be held.
func (s *Store) readTail(pos Position) ([]byte, error) {
	if pos.End() > s.cursor.size {
		return nil, errors.Wrapf(ErrShortRead, "reading %s from %s of size %d", pos, s.filePath(pos.File), s.cursor.size)
	}

	data := make([]byte, pos.Length)
	if _, err := s.cursor.file.ReadAt(data, int64(pos.Offset)); err != nil {
		return nil, errors.Wrapf(err, "reading %s from %s", pos, s.filePath(pos.File))
	}

	return data, nil
}

// readSealed reads through the memory map of a sealed segment, mapping it
// first if another segment is currently mapped.
func (s *Store) readSealed(pos Position) ([]byte, error) {
	s.mapMu.RLock()
	if s.mapped != nil && s.mapped.number == pos.File {
		defer s.mapMu.RUnlock()
		return s.mapped.slice(pos)
	}
	s.mapMu.RUnlock()

	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if s.mapped == nil || s.mapped.number != pos.File {
		if s.mapped != nil {
			if err := s.mapped.close(); err != nil {
				return nil, err
			}
			s.mapped = nil
		}

		mf, err := mapFile(s.filePath(pos.File), pos.File)
		if err != nil {
			return nil, err
		}
		s.mapped = mf
	}

	return s.mapped.slice(pos)
}

// unmap drops the mapped segment. It's called before segments are truncated
// or deleted so no reader sees a stale mapping.
func (s *Store) unmap() {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	s.dropMapping()
}

// dropMapping releases the mapped segment. The mapMu lock must be held.
func (s *Store) dropMapping() {
	if s.mapped != nil {
		s.mapped.close()
		s.mapped = nil
	}
}

// switchToNext closes the tail and opens the next segment. The cursor lock
// must be held.
func (s *Store) switchToNext() error {
	if err := s.cursor.close(); err != nil {
		return err
	}

	return s.cursor.open(s.filePath(s.cursor.number+1), s.cursor.number+1)
}

// filePath returns the path of the segment with the specified number.
func (s *Store) filePath(number uint32) string {
	return filePath(s.cfg, number)
}
