// Package wire defines the decoded messages peers exchange while syncing,
// the protocol versions this node speaks and the connection contract the
// transport layer implements. Byte framing is left to the transport.
package wire

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// ErrUnknownCode is returned when decoding a message with a code that is not
// part of the protocol.
var ErrUnknownCode = errors.New("wire: unknown message code")

// =============================================================================

// Version identifies a sync protocol version.
type Version uint8

// Set of protocol versions this node supports.
const (
	V62 Version = 62
)

// Versions lists every supported version, newest first.
var Versions = []Version{V62}

// IsSupported reports whether the version is one this node speaks.
func (v Version) IsSupported() bool {
	for _, sv := range Versions {
		if sv == v {
			return true
		}
	}

	return false
}

// String implements the Stringer interface.
func (v Version) String() string {
	return fmt.Sprintf("V%d", uint8(v))
}

// =============================================================================

// Code identifies the kind of a message.
type Code uint8

// Set of message codes.
const (
	StatusCode          Code = 0x00
	NewBlockHashesCode  Code = 0x01
	TransactionsCode    Code = 0x02
	GetBlockHeadersCode Code = 0x03
	BlockHeadersCode    Code = 0x04
	GetBlockBodiesCode  Code = 0x05
	BlockBodiesCode     Code = 0x06
	NewBlockCode        Code = 0x07
	NewBlockHeaderCode  Code = 0x08
)

var codeNames = map[Code]string{
	StatusCode:          "STATUS",
	NewBlockHashesCode:  "NEW_BLOCK_HASHES",
	TransactionsCode:    "TRANSACTIONS",
	GetBlockHeadersCode: "GET_BLOCK_HEADERS",
	BlockHeadersCode:    "BLOCK_HEADERS",
	GetBlockBodiesCode:  "GET_BLOCK_BODIES",
	BlockBodiesCode:     "BLOCK_BODIES",
	NewBlockCode:        "NEW_BLOCK",
	NewBlockHeaderCode:  "NEW_BLOCK_HEADER",
}

// String implements the Stringer interface.
func (c Code) String() string {
	if name, exists := codeNames[c]; exists {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(c))
}

// =============================================================================

// Reason tells the remote side why a connection is being dropped.
type Reason uint8

// Set of disconnect reasons.
const (
	ReasonRequested            Reason = 0x00
	ReasonBadProtocol          Reason = 0x02
	ReasonTooManyPeers         Reason = 0x04
	ReasonDuplicatePeer        Reason = 0x05
	ReasonIncompatibleProtocol Reason = 0x06
	ReasonNullIdentity         Reason = 0x07
	ReasonPeerQuitting         Reason = 0x08
)

var reasonNames = map[Reason]string{
	ReasonRequested:            "REQUESTED",
	ReasonBadProtocol:          "BAD_PROTOCOL",
	ReasonTooManyPeers:         "TOO_MANY_PEERS",
	ReasonDuplicatePeer:        "DUPLICATE_PEER",
	ReasonIncompatibleProtocol: "INCOMPATIBLE_PROTOCOL",
	ReasonNullIdentity:         "NULL_IDENTITY",
	ReasonPeerQuitting:         "PEER_QUITTING",
}

// String implements the Stringer interface.
func (r Reason) String() string {
	if name, exists := reasonNames[r]; exists {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(r))
}

// =============================================================================

// Conn interface represents the behavior required to be implemented by any
// package providing an authenticated connection to a peer. Send must not
// block on the network, responses come back as separate messages.
type Conn interface {
	NodeID() string
	Inbound() bool
	Send(msg Message) error
	Disconnect(reason Reason)
}

// =============================================================================

// Message is implemented by every decoded protocol message.
type Message interface {
	Code() Code
}

// Status is the handshake message each side sends first.
type Status struct {
	ProtocolVersion Version       `json:"protocol_version"`
	NetworkID       uint32        `json:"network_id"`
	TotalDifficulty *hexutil.Big  `json:"total_difficulty"`
	BestHash        database.Hash `json:"best_hash"`
	GenesisHash     database.Hash `json:"genesis_hash"`
}

// TD returns the total difficulty as a big integer.
func (m Status) TD() *big.Int {
	return toBig(m.TotalDifficulty)
}

// NewBlockHashes announces blocks by hash and number.
type NewBlockHashes struct {
	Identifiers []database.BlockIdentifier `json:"identifiers"`
}

// Transactions relays pending transactions.
type Transactions struct {
	Txs []database.Tx `json:"txs"`
}

// GetBlockHeaders asks for headers starting at a number or, when Hash is
// set, at a hash. Skip headers are left out between each returned one.
type GetBlockHeaders struct {
	Number     uint64        `json:"number"`
	Hash       database.Hash `json:"hash"`
	MaxHeaders int           `json:"max_headers"`
	Skip       int           `json:"skip"`
	Reverse    bool          `json:"reverse"`
}

// ByHash reports whether the request is anchored at a hash.
func (m GetBlockHeaders) ByHash() bool {
	return m.Hash != database.ZeroHash
}

// BlockHeaders answers GetBlockHeaders.
type BlockHeaders struct {
	Headers []database.Header `json:"headers"`
}

// GetBlockBodies asks for the bodies of the blocks with the hashes.
type GetBlockBodies struct {
	Hashes []database.Hash `json:"hashes"`
}

// BlockBodies answers GetBlockBodies. Bodies line up with the requested
// hashes and stop at the first one the peer doesn't have.
type BlockBodies struct {
	Bodies []hexutil.Bytes `json:"bodies"`
}

// NewBlock propagates a freshly produced block with its total difficulty.
type NewBlock struct {
	Block           database.BlockRecord `json:"block"`
	TotalDifficulty *hexutil.Big         `json:"total_difficulty"`
}

// TD returns the total difficulty as a big integer.
func (m NewBlock) TD() *big.Int {
	return toBig(m.TotalDifficulty)
}

// NewBlockHeader propagates the header of a freshly produced block.
type NewBlockHeader struct {
	Header database.Header `json:"header"`
}

// Code implements the Message interface.
func (Status) Code() Code { return StatusCode }

// Code implements the Message interface.
func (NewBlockHashes) Code() Code { return NewBlockHashesCode }

// Code implements the Message interface.
func (Transactions) Code() Code { return TransactionsCode }

// Code implements the Message interface.
func (GetBlockHeaders) Code() Code { return GetBlockHeadersCode }

// Code implements the Message interface.
func (BlockHeaders) Code() Code { return BlockHeadersCode }

// Code implements the Message interface.
func (GetBlockBodies) Code() Code { return GetBlockBodiesCode }

// Code implements the Message interface.
func (BlockBodies) Code() Code { return BlockBodiesCode }

// Code implements the Message interface.
func (NewBlock) Code() Code { return NewBlockCode }

// Code implements the Message interface.
func (NewBlockHeader) Code() Code { return NewBlockHeaderCode }

// BigTD converts a total difficulty for use in a message.
func BigTD(td *big.Int) *hexutil.Big {
	if td == nil {
		return (*hexutil.Big)(new(big.Int))
	}

	return (*hexutil.Big)(new(big.Int).Set(td))
}

func toBig(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}

	return new(big.Int).Set(v.ToInt())
}

// =============================================================================

// Envelope is the unit the transport moves between nodes.
type Envelope struct {
	From     string          `json:"from"`
	FromHost string          `json:"from_host"`
	Version  Version         `json:"version"`
	Code     Code            `json:"code"`
	Payload  json.RawMessage `json:"payload"`
}

// Seal wraps the message into an envelope.
func Seal(from string, fromHost string, version Version, msg Message) (Envelope, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "encoding %s", msg.Code())
	}

	env := Envelope{
		From:     from,
		FromHost: fromHost,
		Version:  version,
		Code:     msg.Code(),
		Payload:  data,
	}

	return env, nil
}

// Open decodes the message carried by the envelope.
func (env Envelope) Open() (Message, error) {
	var msg Message

	switch env.Code {
	case StatusCode:
		msg = new(Status)
	case NewBlockHashesCode:
		msg = new(NewBlockHashes)
	case TransactionsCode:
		msg = new(Transactions)
	case GetBlockHeadersCode:
		msg = new(GetBlockHeaders)
	case BlockHeadersCode:
		msg = new(BlockHeaders)
	case GetBlockBodiesCode:
		msg = new(GetBlockBodies)
	case BlockBodiesCode:
		msg = new(BlockBodies)
	case NewBlockCode:
		msg = new(NewBlock)
	case NewBlockHeaderCode:
		msg = new(NewBlockHeader)
	default:
		return nil, errors.Wrapf(ErrUnknownCode, "code %s", env.Code)
	}

	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", env.Code)
	}

	return deref(msg), nil
}

// deref turns the decoded pointer back into the value type handlers switch on.
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *Status:
		return *m
	case *NewBlockHashes:
		return *m
	case *Transactions:
		return *m
	case *GetBlockHeaders:
		return *m
	case *BlockHeaders:
		return *m
	case *GetBlockBodies:
		return *m
	case *BlockBodies:
		return *m
	case *NewBlock:
		return *m
	case *NewBlockHeader:
		return *m
	}

	return msg
}
