package blockqueue

import (
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/pkg/errors"
)

// SolidBlockThreshold is how long a newly announced block waits before it
// is treated like any synced block.
const SolidBlockThreshold = time.Minute

// BlockWrapper is a block waiting in the queue with where it came from.
type BlockWrapper struct {
	Block          database.BlockRecord
	NodeID         string
	ReceivedAt     time.Time
	NewBlock       bool
	ImportFailedAt time.Time
}

// NewBlockWrapper wraps a block received from the node.
func NewBlockWrapper(block database.BlockRecord, nodeID string, newBlock bool) BlockWrapper {
	return BlockWrapper{
		Block:      block,
		NodeID:     nodeID,
		ReceivedAt: time.Now(),
		NewBlock:   newBlock,
	}
}

// Number implements the filestore Numbered interface.
func (bw BlockWrapper) Number() uint64 {
	return bw.Block.Number()
}

// Hash returns the hash of the wrapped block.
func (bw BlockWrapper) Hash() database.Hash {
	return bw.Block.Hash()
}

// IsSolidBlock reports whether the block came from regular sync or was
// announced long enough ago.
func (bw BlockWrapper) IsSolidBlock(now time.Time) bool {
	return !bw.NewBlock || now.Sub(bw.ReceivedAt) > SolidBlockThreshold
}

// ImportFailed records the first failed attempt to insert the block.
func (bw *BlockWrapper) ImportFailed(now time.Time) {
	if bw.ImportFailedAt.IsZero() {
		bw.ImportFailedAt = now
	}
}

// TimeSinceFail returns how long ago the first insert attempt failed.
func (bw BlockWrapper) TimeSinceFail(now time.Time) time.Duration {
	if bw.ImportFailedAt.IsZero() {
		return 0
	}

	return now.Sub(bw.ImportFailedAt)
}

// String implements the Stringer interface for logging.
func (bw BlockWrapper) String() string {
	return bw.Block.String()
}

// =============================================================================

// wrapperCodec stores wrappers as an RLP list around the encoded block.
type wrapperCodec struct {
	blocks database.Codec
}

type wrapperRecord struct {
	Block          []byte
	NodeID         string
	ReceivedAt     uint64
	NewBlock       bool
	ImportFailedAt uint64
}

// Encode implements the filestore Codec interface.
func (c wrapperCodec) Encode(bw BlockWrapper) ([]byte, error) {
	block, err := c.blocks.EncodeBlock(bw.Block)
	if err != nil {
		return nil, err
	}

	rec := wrapperRecord{
		Block:      block,
		NodeID:     bw.NodeID,
		ReceivedAt: unixMilli(bw.ReceivedAt),
		NewBlock:   bw.NewBlock,

		ImportFailedAt: unixMilli(bw.ImportFailedAt),
	}

	data, err := rlp.EncodeToBytes(rec)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding wrapper of %s", bw)
	}

	return data, nil
}

// Decode implements the filestore Codec interface.
func (c wrapperCodec) Decode(data []byte) (BlockWrapper, error) {
	var rec wrapperRecord
	if err := rlp.DecodeBytes(data, &rec); err != nil {
		return BlockWrapper{}, errors.Wrap(err, "decoding wrapper")
	}

	block, err := c.blocks.DecodeBlock(rec.Block)
	if err != nil {
		return BlockWrapper{}, err
	}

	bw := BlockWrapper{
		Block:    block,
		NodeID:   rec.NodeID,
		NewBlock: rec.NewBlock,
	}
	if rec.ReceivedAt != 0 {
		bw.ReceivedAt = time.UnixMilli(int64(rec.ReceivedAt))
	}
	if rec.ImportFailedAt != 0 {
		bw.ImportFailedAt = time.UnixMilli(int64(rec.ImportFailedAt))
	}

	return bw, nil
}

func unixMilli(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}

	return uint64(t.UnixMilli())
}
