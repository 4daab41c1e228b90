package public

import (
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type block struct {
	Hash                 database.Hash `json:"hash"`
	Number               uint64        `json:"number"`
	PrevHash             database.Hash `json:"prev_hash"`
	TimeStamp            uint64        `json:"timestamp"`
	CumulativeDifficulty string        `json:"cumulative_difficulty"`
	Extra                hexutil.Bytes `json:"extra,omitempty"`
	Body                 hexutil.Bytes `json:"body,omitempty"`
}

func toBlock(br database.BlockRecord) block {
	return block{
		Hash:                 br.Hash(),
		Number:               br.Number(),
		PrevHash:             br.PrevHash(),
		TimeStamp:            br.Header.TimeStamp,
		CumulativeDifficulty: br.CumulativeDifficulty().String(),
		Extra:                br.Header.Extra,
		Body:                 br.Body,
	}
}

func toBlocks(brs []database.BlockRecord) []block {
	blocks := make([]block, len(brs))
	for i, br := range brs {
		blocks[i] = toBlock(br)
	}
	return blocks
}

type blockInfo struct {
	Hash                 database.Hash `json:"hash"`
	Number               uint64        `json:"number"`
	CumulativeDifficulty string        `json:"cumulative_difficulty"`
	MainChain            bool          `json:"main_chain"`
}

func toBlockInfos(bis []chainstore.BlockInfo) []blockInfo {
	infos := make([]blockInfo, len(bis))
	for i, bi := range bis {
		infos[i] = blockInfo{
			Hash:                 bi.Hash,
			Number:               bi.Number,
			CumulativeDifficulty: bi.CumulativeDifficulty.String(),
			MainChain:            bi.MainChain,
		}
	}
	return infos
}

type chainStatus struct {
	NodeID          string          `json:"node_id"`
	NetworkID       uint32          `json:"network_id"`
	GenesisHash     database.Hash   `json:"genesis_hash"`
	Best            block           `json:"best"`
	TotalDifficulty string          `json:"total_difficulty"`
	Stats           state.NodeStats `json:"stats"`
	SyncDone        bool            `json:"sync_done"`
	GapBlock        *database.Hash  `json:"gap_block,omitempty"`
}

// NewTx is what a client submits to add a transaction to the pool.
type NewTx struct {
	Nonce   uint64 `json:"nonce"`
	Payload string `json:"payload" validate:"required,hexadecimal"`
}

type hashParam struct {
	Hash string `json:"hash" validate:"required,hash"`
}
