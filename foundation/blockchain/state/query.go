package state

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
)

// QueryLastest represents to query the latest block in the chain.
const QueryLastest = ^uint64(0) >> 1

// PeerInfo describes a connected peer.
type PeerInfo struct {
	NodeID          string `json:"node_id"`
	Host            string `json:"host"`
	Inbound         bool   `json:"inbound"`
	Active          bool   `json:"active"`
	SyncState       string `json:"sync_state"`
	TotalDifficulty string `json:"total_difficulty"`
}

// =============================================================================

// QueryBestBlock returns the best block of the chain.
func (s *State) QueryBestBlock() (database.BlockRecord, error) {
	return s.chain.BestBlock()
}

// QueryBlocksByNumber returns the main chain blocks between the numbers.
// Heights without a main chain block are skipped.
func (s *State) QueryBlocksByNumber(from uint64, to uint64) []database.BlockRecord {
	best := s.BestNumber()
	if from == QueryLastest {
		from = best
		to = from
	}
	if to == QueryLastest || to > best {
		to = best
	}

	var out []database.BlockRecord
	for i := from; i <= to; i++ {
		block, err := s.chain.ChainBlockByNumber(i)
		if err != nil {
			s.evHandler("state: QueryBlocksByNumber: number[%d]: ERROR: %s", i, err)
			continue
		}
		out = append(out, block)
	}

	return out
}

// QueryBlockByHash returns the block with the hash whether it's on the main
// chain or not.
func (s *State) QueryBlockByHash(hash database.Hash) (database.BlockRecord, error) {
	return s.chain.BlockByHash(hash)
}

// QueryBlockInfos returns every block known at the height.
func (s *State) QueryBlockInfos(number uint64) []chainstore.BlockInfo {
	return s.chain.BlockInfos(number)
}

// QueryMempoolLength returns the current length of the mempool.
func (s *State) QueryMempoolLength() int {
	return s.mempool.Count()
}

// QueryMempool returns the pending transactions.
func (s *State) QueryMempool() []database.Tx {
	return s.mempool.Copy()
}

// QueryQueue returns the numbers of the blocks waiting for insertion.
func (s *State) QueryQueue() []uint64 {
	return s.queue.Numbers()
}

// QueryPeers returns the connected peers.
func (s *State) QueryPeers() []PeerInfo {
	s.mu.Lock()
	conns := make([]peerConn, 0, len(s.conns))
	for _, pc := range s.conns {
		conns = append(conns, pc)
	}
	s.mu.Unlock()

	infos := make([]PeerInfo, 0, len(conns))
	for _, pc := range conns {
		_, active := s.registry.ActivePeer(pc.h.NodeID())

		infos = append(infos, PeerInfo{
			NodeID:          pc.h.NodeID(),
			Host:            pc.conn.Host(),
			Inbound:         pc.conn.Inbound(),
			Active:          active,
			SyncState:       pc.h.State().String(),
			TotalDifficulty: pc.h.TotalDifficulty().String(),
		})
	}

	return infos
}

// NodeStats is a snapshot of the node's progress.
type NodeStats struct {
	BestNumber     uint64 `json:"best_number"`
	ChainMaxNumber uint64 `json:"chain_max_number"`
	QueueSize      int    `json:"queue_size"`
	PendingHeaders int    `json:"pending_headers"`
	ActivePeers    int    `json:"active_peers"`
	PendingPeers   int    `json:"pending_peers"`
	MempoolSize    int    `json:"mempool_size"`
	Imported       uint64 `json:"imported"`
	Reorgs         uint64 `json:"reorgs"`
}

// QueryStats returns the node's current progress.
func (s *State) QueryStats() NodeStats {
	maxNumber, _ := s.chain.MaxNumber()

	return NodeStats{
		BestNumber:     s.BestNumber(),
		ChainMaxNumber: maxNumber,
		QueueSize:      s.queue.Size(),
		PendingHeaders: s.manager.Headers().Size(),
		ActivePeers:    s.registry.ActiveCount(),
		PendingPeers:   s.registry.PendingCount(),
		MempoolSize:    s.mempool.Count(),
		Imported:       s.imported.Load(),
		Reorgs:         s.reorgs.Load(),
	}
}
