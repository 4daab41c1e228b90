// Package leveldb implements the kvstore.KV interface on top of goleveldb.
package leveldb

import (
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/pkg/errors"
	"github.com/syndtr/goleveldb/leveldb"
	ldbErrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Options returns the options used to open the database. It's defined as a
// variable so tests can shrink the caches.
var Options = func() *opt.Options {
	return &opt.Options{
		Compression:            opt.NoCompression,
		BlockCacheCapacity:     64 * opt.MiB,
		WriteBuffer:            32 * opt.MiB,
		DisableSeeksCompaction: true,
	}
}

// LevelDB represents a key-value store backed by a leveldb database.
// This implements the kvstore.KV interface.
type LevelDB struct {
	once sync.Once
	ldb  *leveldb.DB
}

// New opens the leveldb database at the specified path, creating it if it
// doesn't exist and attempting a recovery when it's corrupted.
func New(path string) (*LevelDB, error) {
	ldb, err := leveldb.OpenFile(path, Options())

	var corrupted *ldbErrors.ErrCorrupted
	if errors.As(err, &corrupted) {
		ldb, err = leveldb.RecoverFile(path, Options())
	}

	if err != nil {
		return nil, errors.Wrapf(err, "opening leveldb %s", path)
	}

	return &LevelDB{ldb: ldb}, nil
}

// Get returns the value for the key or nil when it doesn't exist.
func (db *LevelDB) Get(key []byte) ([]byte, error) {
	data, err := db.ldb.Get(key, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, db.translate(err)
	}

	return data, nil
}

// Put stores the value for the key.
func (db *LevelDB) Put(key []byte, value []byte) error {
	return db.translate(db.ldb.Put(key, value, nil))
}

// Delete removes the key.
func (db *LevelDB) Delete(key []byte) error {
	return db.translate(db.ldb.Delete(key, nil))
}

// Keys walks the database and returns every key in order.
func (db *LevelDB) Keys() ([][]byte, error) {
	iter := db.ldb.NewIterator(nil, nil)
	defer iter.Release()

	var keys [][]byte
	for iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		keys = append(keys, key)
	}

	if err := iter.Error(); err != nil {
		return nil, db.translate(err)
	}

	return keys, nil
}

// BatchPut writes every pair in one atomic leveldb batch.
func (db *LevelDB) BatchPut(kvs map[string][]byte) error {
	var batch leveldb.Batch
	for k, v := range kvs {
		if v == nil {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), v)
	}

	return db.translate(db.ldb.Write(&batch, nil))
}

// Close closes the database. It's safe to call more than once since the same
// database can be shared by several stores.
func (db *LevelDB) Close() error {
	var err error
	db.once.Do(func() {
		err = db.ldb.Close()
	})
	return err
}

// translate maps leveldb errors onto the kvstore errors.
func (db *LevelDB) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrClosed):
		return kvstore.ErrClosed
	default:
		return errors.WithStack(err)
	}
}
