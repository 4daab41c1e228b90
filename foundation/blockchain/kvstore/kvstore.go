// Package kvstore defines the key-value persistence contract the chain store
// is written against. Backends live in sub-packages.
package kvstore

import "errors"

// ErrClosed is returned by any backend operation after Close was called.
var ErrClosed = errors.New("kvstore: closed")

// KV interface represents the behavior required to be implemented by any
// package providing key-value persistence. Opening the backend is done by
// the backend's constructor.
type KV interface {

	// Get returns the value for the key. A missing key returns nil, nil.
	Get(key []byte) ([]byte, error)

	// Put stores the value for the key, replacing any existing value.
	Put(key []byte, value []byte) error

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Keys returns every key in ascending byte order.
	Keys() ([][]byte, error)

	// BatchPut stores every pair atomically when the backend supports it. A
	// nil value deletes the key.
	BatchPut(kvs map[string][]byte) error

	// Close releases the backend. Calling Close twice is not an error.
	Close() error
}
