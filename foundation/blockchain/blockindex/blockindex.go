// Package blockindex maintains the fixed width records that map a block's
// sequence number to the address of its payload in a segmented file store.
// Every index segment holds the same number of records, so the address of a
// record is computed from the sequence number alone.
package blockindex

import (
	"encoding/binary"

	"github.com/ardanlabs/blocksync/foundation/blockchain/segfile"
	"github.com/pkg/errors"
)

// RecordSize is the encoded size of a record: segment, offset and length as
// big endian 32 bit integers.
const RecordSize = 12

// Naming of the index segment files.
const (
	filePrefix = "idx"
	fileSuffix = "dat"
)

// ErrBadRecord is returned when a record doesn't have the encoded size.
var ErrBadRecord = errors.New("blockindex: bad record size")

// Encode serializes a payload address into a record.
func Encode(pos segfile.Position) []byte {
	rec := make([]byte, RecordSize)
	binary.BigEndian.PutUint32(rec[0:4], pos.File)
	binary.BigEndian.PutUint32(rec[4:8], pos.Offset)
	binary.BigEndian.PutUint32(rec[8:12], pos.Length)

	return rec
}

// Decode deserializes a record into a payload address.
func Decode(rec []byte) (segfile.Position, error) {
	if len(rec) != RecordSize {
		return segfile.Position{}, errors.Wrapf(ErrBadRecord, "got %d bytes", len(rec))
	}

	pos := segfile.Position{
		File:   binary.BigEndian.Uint32(rec[0:4]),
		Offset: binary.BigEndian.Uint32(rec[4:8]),
		Length: binary.BigEndian.Uint32(rec[8:12]),
	}

	return pos, nil
}

// AddressOf returns where the record for the specified zero based sequence
// number lives when every segment holds entriesPerFile records.
func AddressOf(seq uint64, entriesPerFile uint32) segfile.Position {
	return segfile.Position{
		File:   uint32(seq / uint64(entriesPerFile)),
		Offset: uint32(seq%uint64(entriesPerFile)) * RecordSize,
		Length: RecordSize,
	}
}

// =============================================================================

// Index is an append-only sequence of records.
type Index struct {
	store   *segfile.Store
	entries uint32
}

// Open opens the index segments kept in the directory. A torn record left
// at the tail by an interrupted write is dropped.
func Open(dir string, entriesPerFile uint32) (*Index, error) {
	if entriesPerFile == 0 {
		return nil, errors.New("blockindex: entries per file must be positive")
	}

	store, err := segfile.Open(segfile.Config{
		Dir:         dir,
		Prefix:      filePrefix,
		Suffix:      fileSuffix,
		MaxFileSize: entriesPerFile * RecordSize,
	})
	if err != nil {
		return nil, err
	}

	ix := Index{
		store:   store,
		entries: entriesPerFile,
	}

	if file, size := store.Location(); size%RecordSize != 0 {
		whole := size - size%RecordSize
		if err := store.RollbackTo(segfile.Position{File: file, Offset: 0, Length: whole}); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &ix, nil
}

// Count returns the number of records in the index.
func (ix *Index) Count() uint64 {
	file, size := ix.store.Location()
	return uint64(file)*uint64(ix.entries) + uint64(size/RecordSize)
}

// EntriesPerFile returns the number of records each segment holds.
func (ix *Index) EntriesPerFile() uint32 {
	return ix.entries
}

// Append adds the record for the next sequence number and returns the
// address of the record itself.
func (ix *Index) Append(pos segfile.Position) (segfile.Position, error) {
	return ix.store.Write(Encode(pos))
}

// Rollback removes the record written at the specified address, which must
// be the last one.
func (ix *Index) Rollback(addr segfile.Position) error {
	return ix.store.Rollback(addr)
}

// Lookup returns the payload address stored for the sequence number.
func (ix *Index) Lookup(seq uint64) (segfile.Position, error) {
	rec, err := ix.store.Read(AddressOf(seq, ix.entries))
	if err != nil {
		return segfile.Position{}, err
	}

	return Decode(rec)
}

// Truncate keeps the first count records and drops the rest.
func (ix *Index) Truncate(count uint64) error {
	if count == 0 {
		return ix.store.Reset()
	}

	return ix.store.RollbackTo(AddressOf(count-1, ix.entries))
}

// Reset drops every record.
func (ix *Index) Reset() error {
	return ix.store.Reset()
}

// Close closes the index segments.
func (ix *Index) Close() error {
	return ix.store.Close()
}
