// Package disk implements the kvstore.KV interface by storing each value in
// its own file. It's slow but every value can be inspected by hand.
package disk

import (
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/pkg/errors"
)

const ext = ".kv"

// Disk represents the key-value implementation for storing values in
// separate files on disk. This implements the kvstore.KV interface.
type Disk struct {
	mu     sync.RWMutex
	dbPath string
	closed bool
}

// New constructs a Disk value for use, creating the folder if needed.
func New(dbPath string) (*Disk, error) {
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, errors.WithStack(err)
	}

	return &Disk{dbPath: dbPath}, nil
}

// Get reads the file for the key.
func (d *Disk) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, kvstore.ErrClosed
	}

	data, err := os.ReadFile(d.getPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	return data, nil
}

// Put writes the value to a temp file and renames it into place so a crash
// never leaves a partial value behind.
func (d *Disk) Put(key []byte, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return kvstore.ErrClosed
	}

	return d.write(key, value)
}

// Delete removes the file for the key.
func (d *Disk) Delete(key []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return kvstore.ErrClosed
	}

	return d.remove(key)
}

// Keys lists the folder and decodes the file names back into keys.
func (d *Disk) Keys() ([][]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return nil, kvstore.ErrClosed
	}

	entries, err := os.ReadDir(d.dbPath)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ext))
	}

	// Hex encoding preserves byte order so sorting the names sorts the keys.
	sort.Strings(names)

	keys := make([][]byte, 0, len(names))
	for _, name := range names {
		key, err := hex.DecodeString(name)
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}

	return keys, nil
}

// BatchPut writes every pair. Each file is replaced atomically but the batch
// as a whole is not.
func (d *Disk) BatchPut(kvs map[string][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return kvstore.ErrClosed
	}

	for k, v := range kvs {
		if v == nil {
			if err := d.remove([]byte(k)); err != nil {
				return err
			}
			continue
		}
		if err := d.write([]byte(k), v); err != nil {
			return err
		}
	}

	return nil
}

// Close marks the store closed. There are no open handles to release since
// each value is written in its own file and then closed.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closed = true
	return nil
}

// =============================================================================

func (d *Disk) write(key []byte, value []byte) error {
	path := d.getPath(key)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, value, 0600); err != nil {
		return errors.WithStack(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return errors.WithStack(err)
	}

	return nil
}

func (d *Disk) remove(key []byte) error {
	err := os.Remove(d.getPath(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.WithStack(err)
	}

	return nil
}

// getPath forms the path to the file holding the key.
func (d *Disk) getPath(key []byte) string {
	return filepath.Join(d.dbPath, hex.EncodeToString(key)+ext)
}
