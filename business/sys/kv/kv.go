// Package kv opens the key value backend named in the configuration.
package kv

import (
	"fmt"

	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/bolt"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/disk"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/leveldb"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/memory"
)

// Set of supported backends.
const (
	LevelDB = "leveldb"
	Bolt    = "bolt"
	Disk    = "disk"
	Memory  = "memory"
)

// bucket is the bolt bucket holding the chain.
const bucket = "chain"

// Open opens the backend at the path. The memory backend ignores the path.
func Open(backend string, path string) (kvstore.KV, error) {
	switch backend {
	case LevelDB:
		db, err := leveldb.New(path)
		if err != nil {
			return nil, err
		}
		return db, nil

	case Bolt:
		db, err := bolt.New(path+".bolt", bucket)
		if err != nil {
			return nil, err
		}
		return db, nil

	case Disk:
		db, err := disk.New(path + "-files")
		if err != nil {
			return nil, err
		}
		return db, nil

	case Memory:
		return memory.New(), nil
	}

	return nil, fmt.Errorf("unknown backend %q", backend)
}
