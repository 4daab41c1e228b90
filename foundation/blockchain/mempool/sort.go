package mempool

import (
	"bytes"
	"sort"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
)

// byNonce provides sorting support by the transaction nonce value. Equal
// nonces are ordered by hash so the order is stable across calls.
type byNonce []database.Tx

// Len returns the number of transactions in the list.
func (bn byNonce) Len() int {
	return len(bn)
}

// Less helps to sort the list by nonce in ascending order to keep the
// transactions in the right order of processing.
func (bn byNonce) Less(i, j int) bool {
	if bn[i].Nonce != bn[j].Nonce {
		return bn[i].Nonce < bn[j].Nonce
	}

	hi, hj := bn[i].Hash(), bn[j].Hash()
	return bytes.Compare(hi[:], hj[:]) < 0
}

// Swap moves transactions in the order of the nonce value.
func (bn byNonce) Swap(i, j int) {
	bn[i], bn[j] = bn[j], bn[i]
}

func sortByNonce(txs []database.Tx) {
	sort.Sort(byNonce(txs))
}
