package segfile

import (
	"os"

	"github.com/pkg/errors"
)

// Rollback removes the last record written. The position must be the tail
// record, otherwise ErrNotTail is returned and nothing changes. When the
// tail segment becomes empty and it isn't segment 0 the segment is deleted
// and the previous one becomes the tail.
func (s *Store) Rollback(pos Position) error {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return ErrClosed
	}

	if pos.File != s.cursor.number || pos.End() != s.cursor.size {
		return errors.Wrapf(ErrNotTail, "rollback %s with tail %d:%d", pos, s.cursor.number, s.cursor.size)
	}

	if err := s.cursor.file.Truncate(int64(pos.Offset)); err != nil {
		return errors.Wrapf(err, "truncating %s to %d", s.filePath(pos.File), pos.Offset)
	}
	s.cursor.size = pos.Offset

	if s.cursor.size > 0 || s.cursor.number == 0 {
		return s.cursor.file.Sync()
	}

	number := s.cursor.number
	if err := s.cursor.close(); err != nil {
		return err
	}

	if err := os.Remove(s.filePath(number)); err != nil {
		return errors.Wrapf(err, "removing %s", s.filePath(number))
	}

	// The previous segment was sealed and may be mapped. It is about to
	// become writable again.
	s.unmap()

	return s.cursor.open(s.filePath(number-1), number-1)
}

// RollbackTo keeps everything up to and including the record at pos and
// drops everything written after it. Segments after pos.File are deleted
// and pos.File is truncated to the end of the record.
func (s *Store) RollbackTo(pos Position) error {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return ErrClosed
	}

	if pos.File > s.cursor.number || (pos.File == s.cursor.number && pos.End() > s.cursor.size) {
		return errors.Wrapf(ErrShortRead, "rollback to %s past tail %d:%d", pos, s.cursor.number, s.cursor.size)
	}

	// Readers racing with the truncation must not map a segment while it
	// shrinks.
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	s.dropMapping()

	tail := s.cursor.number
	if err := s.cursor.close(); err != nil {
		return err
	}
	s.cursor.file = nil

	for number := tail; number > pos.File; number-- {
		if err := deleteFile(s.filePath(number)); err != nil {
			return err
		}
	}

	if err := truncateFile(s.filePath(pos.File), pos.End()); err != nil {
		return err
	}

	return s.cursor.open(s.filePath(pos.File), pos.File)
}

// Reset deletes every segment and starts over with an empty segment 0.
func (s *Store) Reset() error {
	s.cursor.Lock()
	defer s.cursor.Unlock()

	if s.cursor.file == nil {
		return ErrClosed
	}

	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	s.dropMapping()

	tail := s.cursor.number
	if err := s.cursor.close(); err != nil {
		return err
	}
	s.cursor.file = nil

	for number := int64(tail); number >= 0; number-- {
		if err := deleteFile(s.filePath(uint32(number))); err != nil {
			return err
		}
	}

	return s.cursor.open(s.filePath(0), 0)
}

// =============================================================================

// deleteFile removes a segment file. A missing file is not an error.
func deleteFile(path string) error {
	exists, err := fileExists(path)
	if err != nil {
		return err
	}

	if !exists {
		return nil
	}

	if err := os.Remove(path); err != nil {
		return errors.Wrapf(err, "removing %s", path)
	}

	return nil
}

// truncateFile shrinks a closed segment file to the specified size.
func truncateFile(path string, size uint32) error {
	if err := os.Truncate(path, int64(size)); err != nil {
		if os.IsNotExist(err) && size == 0 {
			return nil
		}
		return errors.Wrapf(err, "truncating %s to %d", path, size)
	}

	return nil
}
