package chainstore

import (
	"math/big"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/google/orderedcode"
	"github.com/pkg/errors"
)

// Key prefixes separating the two record kinds kept in the backend.
const (
	prefixBlock = "blk"
	prefixLevel = "lvl"
)

// blockKey returns the backend key of a block's bytes.
func blockKey(hash database.Hash) []byte {
	key, err := orderedcode.Append(nil, prefixBlock, string(hash.Bytes()))
	if err != nil {
		panic(err)
	}

	return key
}

// levelKey returns the backend key of the block infos kept for a height.
// Level keys sort by height.
func levelKey(number uint64) []byte {
	key, err := orderedcode.Append(nil, prefixLevel, number)
	if err != nil {
		panic(err)
	}

	return key
}

// parseLevelKey extracts the height from a level key. It reports false for
// keys of any other kind.
func parseLevelKey(key []byte) (uint64, bool) {
	var prefix string
	remaining, err := orderedcode.Parse(string(key), &prefix)
	if err != nil || prefix != prefixLevel {
		return 0, false
	}

	var number uint64
	if _, err := orderedcode.Parse(remaining, &number); err != nil {
		return 0, false
	}

	return number, true
}

// =============================================================================

// BlockInfo is what the store knows about one block at a height.
type BlockInfo struct {
	Number               uint64
	Hash                 database.Hash
	CumulativeDifficulty *big.Int
	MainChain            bool
}

func (bi BlockInfo) clone() BlockInfo {
	if bi.CumulativeDifficulty != nil {
		bi.CumulativeDifficulty = new(big.Int).Set(bi.CumulativeDifficulty)
	}

	return bi
}

func encodeLevel(infos []BlockInfo) ([]byte, error) {
	data, err := rlp.EncodeToBytes(infos)
	if err != nil {
		return nil, errors.Wrap(err, "encoding block infos")
	}

	return data, nil
}

func decodeLevel(data []byte) ([]BlockInfo, error) {
	var infos []BlockInfo
	if err := rlp.DecodeBytes(data, &infos); err != nil {
		return nil, errors.Wrap(err, "decoding block infos")
	}

	return infos, nil
}

func findInfo(infos []BlockInfo, hash database.Hash) int {
	for i, info := range infos {
		if info.Hash == hash {
			return i
		}
	}

	return -1
}
