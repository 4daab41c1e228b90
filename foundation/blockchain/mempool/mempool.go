// Package mempool maintains the pending transactions the node relays to
// its peers.
package mempool

import (
	"sync"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
)

// DefaultMaxSize is the number of transactions the pool holds when the
// configuration leaves it unset.
const DefaultMaxSize = 4096

// Mempool represents a cache of transactions keyed by their hash.
type Mempool struct {
	pool    map[database.Hash]database.Tx
	maxSize int
	mu      sync.RWMutex
}

// New constructs a new mempool that holds up to maxSize transactions.
func New(maxSize int) *Mempool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	mp := Mempool{
		pool:    make(map[database.Hash]database.Tx),
		maxSize: maxSize,
	}

	return &mp
}

// Count returns the current number of transaction in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.pool)
}

// Exists reports whether the transaction is in the pool.
func (mp *Mempool) Exists(hash database.Hash) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	_, exists := mp.pool[hash]
	return exists
}

// Upsert adds or replaces a transaction in the mempool. It reports false
// when the pool is full.
func (mp *Mempool) Upsert(tx database.Tx) (int, bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	hash := tx.Hash()
	if _, exists := mp.pool[hash]; !exists && len(mp.pool) >= mp.maxSize {
		return len(mp.pool), false
	}

	mp.pool[hash] = tx

	return len(mp.pool), true
}

// AddWireTransactions adds the transactions received from a peer and
// returns the ones the pool didn't know about yet. Those are the ones to
// relay further.
func (mp *Mempool) AddWireTransactions(txs []database.Tx) []database.Tx {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var added []database.Tx
	for _, tx := range txs {
		if len(mp.pool) >= mp.maxSize {
			break
		}

		hash := tx.Hash()
		if _, exists := mp.pool[hash]; exists {
			continue
		}

		mp.pool[hash] = tx
		added = append(added, tx)
	}

	return added
}

// Delete removed a transaction from the mempool.
func (mp *Mempool) Delete(tx database.Tx) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	delete(mp.pool, tx.Hash())
}

// Truncate clears all the transactions from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[database.Hash]database.Tx)
}

// Copy returns the transactions in the pool ordered by nonce.
func (mp *Mempool) Copy() []database.Tx {
	return mp.PickBest(-1)
}

// PendingTransactions returns every transaction in the pool ordered by
// nonce. New peers receive these.
func (mp *Mempool) PendingTransactions() []database.Tx {
	return mp.PickBest(-1)
}

// PickBest returns the next set of transactions ordered by nonce. Pass -1
// for all the transactions.
func (mp *Mempool) PickBest(howMany int) []database.Tx {
	var txs []database.Tx
	mp.mu.RLock()
	{
		txs = make([]database.Tx, 0, len(mp.pool))
		for _, tx := range mp.pool {
			txs = append(txs, tx)
		}
	}
	mp.mu.RUnlock()

	sortByNonce(txs)

	if howMany >= 0 && howMany < len(txs) {
		txs = txs[:howMany]
	}

	return txs
}
