//go:build unix

package segfile

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mappedFile is a sealed segment mapped read-only into memory.
type mappedFile struct {
	number uint32
	data   []byte
}

// mapFile maps the whole segment. An empty segment maps to no data.
func mapFile(path string, number uint32) (*mappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	mf := mappedFile{number: number}
	if info.Size() == 0 {
		return &mf, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %s", path)
	}
	mf.data = data

	return &mf, nil
}

// slice copies the record out of the mapping so callers never hold on to
// mapped memory.
func (mf *mappedFile) slice(pos Position) ([]byte, error) {
	if uint64(pos.End()) > uint64(len(mf.data)) {
		return nil, errors.Wrapf(ErrShortRead, "reading %s from segment %d of size %d", pos, mf.number, len(mf.data))
	}

	data := make([]byte, pos.Length)
	copy(data, mf.data[pos.Offset:pos.End()])

	return data, nil
}

func (mf *mappedFile) close() error {
	if mf.data == nil {
		return nil
	}

	data := mf.data
	mf.data = nil

	return errors.WithStack(unix.Munmap(data))
}
