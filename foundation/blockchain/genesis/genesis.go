// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"math/big"
	"os"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date       time.Time     `json:"date"`
	NetworkID  uint32        `json:"network_id"` // Peers on another network are refused.
	Difficulty uint64        `json:"difficulty"` // Total difficulty of the chain at height 0.
	Extra      hexutil.Bytes `json:"extra"`
	Body       hexutil.Bytes `json:"body"`
}

// Block returns the block at height 0 this genesis describes.
func (g Genesis) Block() database.BlockRecord {
	header := database.Header{
		Number:               0,
		PrevHash:             database.ZeroHash,
		TimeStamp:            uint64(g.Date.Unix()),
		CumulativeDifficulty: new(big.Int).SetUint64(g.Difficulty),
		Extra:                g.Extra,
	}

	return database.NewBlockRecord(header, g.Body)
}

// Hash returns the hash of the genesis block.
func (g Genesis) Hash() database.Hash {
	return g.Block().Hash()
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, errors.Wrapf(err, "reading genesis %s", path)
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, errors.Wrapf(err, "decoding genesis %s", path)
	}

	if genesis.NetworkID == 0 {
		return Genesis{}, errors.Errorf("genesis %s: network id missing", path)
	}

	return genesis, nil
}
