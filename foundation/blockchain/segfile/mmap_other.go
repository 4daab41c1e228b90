//go:build !unix

package segfile

import (
	"os"

	"github.com/pkg/errors"
)

// mappedFile holds a sealed segment in memory on platforms without mmap.
type mappedFile struct {
	number uint32
	data   []byte
}

func mapFile(path string, number uint32) (*mappedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", path)
	}

	return &mappedFile{number: number, data: data}, nil
}

func (mf *mappedFile) slice(pos Position) ([]byte, error) {
	if uint64(pos.End()) > uint64(len(mf.data)) {
		return nil, errors.Wrapf(ErrShortRead, "reading %s from segment %d of size %d", pos, mf.number, len(mf.data))
	}

	data := make([]byte, pos.Length)
	copy(data, mf.data[pos.Offset:pos.End()])

	return data, nil
}

func (mf *mappedFile) close() error {
	mf.data = nil
	return nil
}
