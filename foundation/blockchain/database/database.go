// Package database provides the block and transaction types the node
// stores, syncs and relays, and the codec used to serialize them.
package database

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// Codec interface represents the behavior required to be implemented by any
// package providing support for turning blocks into bytes and back. Storage
// components never look inside the bytes they are handed.
type Codec interface {
	EncodeBlock(block BlockRecord) ([]byte, error)
	DecodeBlock(data []byte) (BlockRecord, error)
	EncodeHeader(header Header) ([]byte, error)
	DecodeHeader(data []byte) (Header, error)
}

// =============================================================================

// RLPCodec implements the Codec interface using Ethereum's recursive length
// prefix encoding.
type RLPCodec struct{}

// EncodeBlock serializes a block record.
func (RLPCodec) EncodeBlock(block BlockRecord) ([]byte, error) {
	block.Header = block.Header.normalize()

	data, err := rlp.EncodeToBytes(block)
	if err != nil {
		return nil, fmt.Errorf("encode block %d: %w", block.Header.Number, err)
	}

	return data, nil
}

// DecodeBlock deserializes a block record.
func (RLPCodec) DecodeBlock(data []byte) (BlockRecord, error) {
	var block BlockRecord
	if err := rlp.DecodeBytes(data, &block); err != nil {
		return BlockRecord{}, fmt.Errorf("decode block: %w", err)
	}

	return block, nil
}

// EncodeHeader serializes a block header.
func (RLPCodec) EncodeHeader(header Header) ([]byte, error) {
	data, err := rlp.EncodeToBytes(header.normalize())
	if err != nil {
		return nil, fmt.Errorf("encode header %d: %w", header.Number, err)
	}

	return data, nil
}

// DecodeHeader deserializes a block header.
func (RLPCodec) DecodeHeader(data []byte) (Header, error) {
	var header Header
	if err := rlp.DecodeBytes(data, &header); err != nil {
		return Header{}, fmt.Errorf("decode header: %w", err)
	}

	return header, nil
}

// =============================================================================

// Tx represents a relayed transaction. The node only needs its identity to
// relay it, the payload is opaque.
type Tx struct {
	Nonce   uint64        `json:"nonce"`
	Payload hexutil.Bytes `json:"payload"`
}

// Hash returns the keccak256 hash of the encoded transaction.
func (tx Tx) Hash() Hash {
	data, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return ZeroHash
	}

	return crypto.Keccak256Hash(data)
}

// String implements the Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%d:%s", tx.Nonce, ShortHash(tx.Hash()))
}
