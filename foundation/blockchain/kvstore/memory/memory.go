// Package memory implements the kvstore.KV interface using a map. It is
// used by tests and by nodes that don't need the chain index to survive a
// restart.
package memory

import (
	"bytes"
	"sort"
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
)

// Memory represents the key-value implementation for storing values in
// memory. This implements the kvstore.KV interface.
type Memory struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

// New constructs a Memory value for use.
func New() *Memory {
	return &Memory{
		values: make(map[string][]byte),
	}
}

// Get returns a copy of the value stored for the key.
func (m *Memory) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, kvstore.ErrClosed
	}

	v, exists := m.values[string(key)]
	if !exists {
		return nil, nil
	}

	return bytes.Clone(v), nil
}

// Put stores a copy of the value for the key.
func (m *Memory) Put(key []byte, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kvstore.ErrClosed
	}

	m.values[string(key)] = bytes.Clone(value)
	return nil
}

// Delete removes the key.
func (m *Memory) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kvstore.ErrClosed
	}

	delete(m.values, string(key))
	return nil
}

// Keys returns the set of keys in ascending order.
func (m *Memory) Keys() ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, kvstore.ErrClosed
	}

	keys := make([][]byte, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, []byte(k))
	}

	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i], keys[j]) < 0
	})

	return keys, nil
}

// BatchPut applies all the pairs under a single lock.
func (m *Memory) BatchPut(kvs map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return kvstore.ErrClosed
	}

	for k, v := range kvs {
		if v == nil {
			delete(m.values, k)
			continue
		}
		m.values[k] = bytes.Clone(v)
	}

	return nil
}

// Close drops the values.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.values = nil
	return nil
}
