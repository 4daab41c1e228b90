package segfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// writeCursor tracks the tail segment the next write goes to.
type writeCursor struct {
	sync.Mutex
	file   *os.File
	number uint32
	size   uint32
}

// open opens or creates the segment and moves the cursor to its end.
func (wc *writeCursor) open(path string, number uint32) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return errors.Wrapf(err, "opening %s", path)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat %s", path)
	}

	wc.file = f
	wc.number = number
	wc.size = uint32(info.Size())

	return nil
}

// close syncs and closes the tail segment.
func (wc *writeCursor) close() error {
	if wc.file == nil {
		return nil
	}

	if err := wc.file.Sync(); err != nil {
		wc.file.Close()
		return errors.Wrapf(err, "syncing %s", wc.file.Name())
	}

	if err := wc.file.Close(); err != nil {
		return errors.Wrapf(err, "closing %s", wc.file.Name())
	}

	return nil
}

// =============================================================================

// openTail positions the cursor at the end of the highest numbered segment,
// creating segment 0 when the directory holds none.
func (s *Store) openTail() error {
	number, err := findTail(s.cfg)
	if err != nil {
		return err
	}

	s.cursor.Lock()
	defer s.cursor.Unlock()

	return s.cursor.open(s.filePath(number), number)
}

// findTail returns the highest segment number found in the directory.
func findTail(cfg Config) (uint32, error) {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return 0, errors.WithStack(err)
	}

	var tail uint32
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		number, ok := parseFileName(cfg, entry.Name())
		if !ok {
			continue
		}

		if number > tail {
			tail = number
		}
	}

	return tail, nil
}

// filePath returns the path of a segment in the configured directory.
func filePath(cfg Config, number uint32) string {
	return filepath.Join(cfg.Dir, fmt.Sprintf("%s%05d.%s", cfg.Prefix, number, cfg.Suffix))
}

// parseFileName extracts the segment number from a file name that follows
// the configured naming scheme.
func parseFileName(cfg Config, name string) (uint32, bool) {
	suffix := "." + cfg.Suffix
	if !strings.HasPrefix(name, cfg.Prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}

	digits := strings.TrimSuffix(strings.TrimPrefix(name, cfg.Prefix), suffix)
	if len(digits) < 5 {
		return 0, false
	}

	number, err := strconv.ParseUint(digits, 10, 32)
	if err != nil {
		return 0, false
	}

	return uint32(number), true
}

// fileExists reports whether the named file or directory exists.
func fileExists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.WithStack(err)
	}

	return true, nil
}
