package database

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// ErrChainForked is returned when a block can't be linked to the local chain
// because its ancestry diverges from what this node considers canonical.
var ErrChainForked = errors.New("blockchain forked, start resync")

// Hash is the fixed length identity of blocks, headers and transactions.
type Hash = common.Hash

// ZeroHash represents a hash with all bytes set to zero. The genesis block
// uses it as its parent.
var ZeroHash Hash

// =============================================================================

// Header represents the fields of a block this node interprets. Everything
// else the consensus layer cares about rides in the opaque Extra field.
type Header struct {
	Number               uint64        `json:"number"`
	PrevHash             Hash          `json:"prev_hash"`
	TimeStamp            uint64        `json:"timestamp"`
	CumulativeDifficulty *big.Int      `json:"cumulative_difficulty"`
	Extra                hexutil.Bytes `json:"extra,omitempty"`
}

// Hash returns the keccak256 hash of the RLP encoded header.
func (h Header) Hash() Hash {
	data, err := rlp.EncodeToBytes(h.normalize())
	if err != nil {
		return ZeroHash
	}

	return crypto.Keccak256Hash(data)
}

// String implements the Stringer interface for logging.
func (h Header) String() string {
	return fmt.Sprintf("%d:%s", h.Number, ShortHash(h.Hash()))
}

// normalize makes sure the header can be hashed and encoded consistently
// whether the difficulty was set or not.
func (h Header) normalize() Header {
	if h.CumulativeDifficulty == nil {
		h.CumulativeDifficulty = new(big.Int)
	}

	return h
}

// =============================================================================

// BlockRecord represents a block as this subsystem sees it. The body is the
// opaque payload the serialization collaborator produced for the block.
type BlockRecord struct {
	Header Header        `json:"header"`
	Body   hexutil.Bytes `json:"body"`
}

// NewBlockRecord constructs a block record from its header and body.
func NewBlockRecord(header Header, body []byte) BlockRecord {
	return BlockRecord{
		Header: header.normalize(),
		Body:   body,
	}
}

// Number returns the height of the block.
func (b BlockRecord) Number() uint64 {
	return b.Header.Number
}

// Hash returns the identity of the block, the hash of its header.
func (b BlockRecord) Hash() Hash {
	return b.Header.Hash()
}

// PrevHash returns the hash of the parent block.
func (b BlockRecord) PrevHash() Hash {
	return b.Header.PrevHash
}

// CumulativeDifficulty returns the total difficulty of the chain ending
// with this block.
func (b BlockRecord) CumulativeDifficulty() *big.Int {
	if b.Header.CumulativeDifficulty == nil {
		return new(big.Int)
	}

	return new(big.Int).Set(b.Header.CumulativeDifficulty)
}

// IsEqual compares two blocks by identity.
func (b BlockRecord) IsEqual(other BlockRecord) bool {
	return b.Hash() == other.Hash()
}

// String implements the Stringer interface for logging.
func (b BlockRecord) String() string {
	return b.Header.String()
}

// =============================================================================

// BlockIdentifier is the (hash, number) pair peers use to announce blocks.
type BlockIdentifier struct {
	Hash   Hash   `json:"hash"`
	Number uint64 `json:"number"`
}

// ShortHash returns the first eight hex digits of a hash for logging.
func ShortHash(h Hash) string {
	return h.Hex()[2:10]
}

// ToHash converts a hex string into a hash.
func ToHash(hex string) (Hash, error) {
	b, err := hexutil.Decode(hex)
	if err != nil {
		return ZeroHash, err
	}

	if len(b) != common.HashLength {
		return ZeroHash, fmt.Errorf("invalid hash length %d", len(b))
	}

	return common.BytesToHash(b), nil
}
