// Package bolt implements the kvstore.KV interface on top of a single bbolt
// bucket.
package bolt

import (
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
)

// Bolt represents a key-value store backed by one bucket of a bbolt file.
// This implements the kvstore.KV interface.
type Bolt struct {
	once   sync.Once
	db     *bolt.DB
	bucket []byte
}

// New opens the bbolt file at the specified path and makes sure the bucket
// exists.
func New(path string, bucket string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "creating bucket %s", bucket)
	}

	return &Bolt{db: db, bucket: []byte(bucket)}, nil
}

// Get returns a copy of the value for the key or nil when it doesn't exist.
func (b *Bolt) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.bucket).Get(key)
		if v != nil {
			value = append([]byte{}, v...)
		}
		return nil
	})

	return value, b.translate(err)
}

// Put stores the value for the key.
func (b *Bolt) Put(key []byte, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put(key, value)
	})

	return b.translate(err)
}

// Delete removes the key.
func (b *Bolt) Delete(key []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(key)
	})

	return b.translate(err)
}

// Keys returns every key in the bucket in order.
func (b *Bolt) Keys() ([][]byte, error) {
	var keys [][]byte
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, append([]byte{}, k...))
			return nil
		})
	})

	return keys, b.translate(err)
}

// BatchPut writes every pair in a single read-write transaction.
func (b *Bolt) BatchPut(kvs map[string][]byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(b.bucket)
		for k, v := range kvs {
			if v == nil {
				if err := bkt.Delete([]byte(k)); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})

	return b.translate(err)
}

// Close closes the bbolt file.
func (b *Bolt) Close() error {
	var err error
	b.once.Do(func() {
		err = b.db.Close()
	})
	return err
}

// translate maps bbolt errors onto the kvstore errors.
func (b *Bolt) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, berrors.ErrDatabaseNotOpen):
		return kvstore.ErrClosed
	default:
		return errors.WithStack(err)
	}
}
