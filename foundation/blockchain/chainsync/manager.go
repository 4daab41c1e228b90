// Package chainsync drives block synchronization with connected peers. Each
// peer gets a Handler running a small state machine that pulls headers, finds
// where the peer's chain meets ours and downloads the bodies into the
// unprocessed block queue. The Manager coordinates the handlers.
package chainsync

import (
	"math/big"
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/pkg/errors"
)

// Set of error variables for sync.
var (
	ErrUnsupportedVersion = errors.New("chainsync: unsupported protocol version")
	ErrShutdown           = errors.New("chainsync: handler shut down")
	ErrInboxFull          = errors.New("chainsync: handler inbox full")
)

// Set of defaults used when the configuration leaves a value unset.
const (
	DefaultMaxHashesAsk   = 192
	DefaultMaxBlocksAsk   = 100
	DefaultForkCoverBatch = 144
	DefaultInboxSize      = 64
)

// ScanBlocksLimit is how far into the queue blocks of a misbehaving peer
// are looked for.
const ScanBlocksLimit = 1000

// PeerStuckTimeout is how long a peer retrieving headers may stay silent
// before another peer is asked instead.
const PeerStuckTimeout = time.Minute

// EventHandler defines a function that is called when events occur in the
// processing of sync.
type EventHandler func(v string, args ...any)

// =============================================================================

// Chain interface represents the behavior required from the chain store.
type Chain interface {
	BestBlock() (database.BlockRecord, error)
	IsBlockExist(hash database.Hash) bool
	TotalDifficulty() *big.Int
	BlockByHash(hash database.Hash) (database.BlockRecord, error)
	ChainBlockByNumber(number uint64) (database.BlockRecord, error)
}

// Queue interface represents the behavior required from the unprocessed
// block queue.
type Queue interface {
	Add(block blockqueue.BlockWrapper) error
	AddAll(blocks []blockqueue.BlockWrapper) error
	FilterExistingHeaders(headers []database.Header) []database.Header
	Drop(nodeID string, scanLimit int) error
	IsEmpty() bool
}

// TxPool interface represents the behavior required from the pending
// transaction pool.
type TxPool interface {
	AddWireTransactions(txs []database.Tx) []database.Tx
}

// Network interface represents the behavior required from the peer registry.
type Network interface {
	SendTransaction(txs []database.Tx, exclude string)
	SendNewBlockHeader(header database.Header, exclude string)
	ReportPeer(nodeID string)
	OnSyncDone()
}

// Config represents the settings for the sync manager.
type Config struct {
	NetworkID      uint32
	GenesisHash    database.Hash
	Chain          Chain
	Queue          Queue
	Headers        *HeaderQueue
	TxPool         TxPool
	MaxHashesAsk   int
	MaxBlocksAsk   int
	ForkCoverBatch int
	InboxSize      int
	SyncDisabled   bool
	Now            func() time.Time
	EvHandler      EventHandler
}

// Manager coordinates the peer handlers taking part in sync.
type Manager struct {
	chain   Chain
	queue   Queue
	headers *HeaderQueue
	txPool  TxPool

	networkID      uint32
	genesisHash    database.Hash
	maxHashesAsk   int
	maxBlocksAsk   int
	forkCoverBatch int
	inboxSize      int
	syncDisabled   bool
	now            func() time.Time
	evHandler      EventHandler

	mu       sync.RWMutex
	network  Network
	peers    map[string]*Handler
	gap      *blockqueue.BlockWrapper
	syncDone bool
}

// NewManager constructs a manager over the chain store and queues.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Chain == nil || cfg.Queue == nil {
		return nil, errors.New("chainsync: chain and queue must be provided")
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.Headers == nil {
		cfg.Headers = NewHeaderQueue()
	}
	if cfg.MaxHashesAsk <= 0 {
		cfg.MaxHashesAsk = DefaultMaxHashesAsk
	}
	if cfg.MaxBlocksAsk <= 0 {
		cfg.MaxBlocksAsk = DefaultMaxBlocksAsk
	}
	if cfg.ForkCoverBatch <= 0 {
		cfg.ForkCoverBatch = DefaultForkCoverBatch
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultInboxSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := Manager{
		chain:          cfg.Chain,
		queue:          cfg.Queue,
		headers:        cfg.Headers,
		txPool:         cfg.TxPool,
		networkID:      cfg.NetworkID,
		genesisHash:    cfg.GenesisHash,
		maxHashesAsk:   cfg.MaxHashesAsk,
		maxBlocksAsk:   cfg.MaxBlocksAsk,
		forkCoverBatch: cfg.ForkCoverBatch,
		inboxSize:      cfg.InboxSize,
		syncDisabled:   cfg.SyncDisabled,
		now:            cfg.Now,
		evHandler:      ev,
		peers:          make(map[string]*Handler),
		syncDone:       cfg.SyncDisabled,
	}

	return &m, nil
}

// SetNetwork registers the peer registry. It's set after construction since
// the registry needs the manager as well.
func (m *Manager) SetNetwork(network Network) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.network = network
}

// NewHandler constructs the handler for a new connection speaking the
// protocol version.
func (m *Manager) NewHandler(conn wire.Conn, version wire.Version) (*Handler, error) {
	if _, exists := dispatch[version]; !exists {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %s", version)
	}

	h := Handler{
		conn:                conn,
		version:             version,
		m:                   m,
		maxHashesAsk:        m.maxHashesAsk,
		processTxs:          m.syncDisabled,
		newBlockLowerNumber: noLowerNumber,
		remoteTD:            new(big.Int),
		inbox:               make(chan wire.Message, m.inboxSize),
	}
	h.stats.Reset(m.now())

	return &h, nil
}

// Headers returns the shared header queue.
func (m *Manager) Headers() *HeaderQueue {
	return m.headers
}

// =============================================================================

// AddPeer puts an active peer into the sync pool.
func (m *Manager) AddPeer(h *Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peers[h.NodeID()] = h
	m.evHandler("chainsync: AddPeer: peer[%s]: pool[%d]", h.NodeID(), len(m.peers))
}

// OnDisconnect stops the handler and hands back the headers it held.
func (m *Manager) OnDisconnect(h *Handler) {
	h.Shutdown()

	m.mu.Lock()
	defer m.mu.Unlock()

	if current, exists := m.peers[h.NodeID()]; exists && current == h {
		delete(m.peers, h.NodeID())
	}
	m.evHandler("chainsync: OnDisconnect: peer[%s]: pool[%d]", h.NodeID(), len(m.peers))
}

// Peer returns the handler of the peer in the pool.
func (m *Manager) Peer(nodeID string) (*Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, exists := m.peers[nodeID]
	return h, exists
}

// Peers returns the handlers in the pool.
func (m *Manager) Peers() []*Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]*Handler, 0, len(m.peers))
	for _, h := range m.peers {
		peers = append(peers, h)
	}

	return peers
}

// GapBlock returns the block that couldn't be linked to the chain, if any.
func (m *Manager) GapBlock() (blockqueue.BlockWrapper, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.gap == nil {
		return blockqueue.BlockWrapper{}, false
	}

	return *m.gap, true
}

// SetGapBlock records a block whose parent is missing so the next header
// retrieval starts by covering the fork it belongs to.
func (m *Manager) SetGapBlock(block blockqueue.BlockWrapper) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gap = &block
	m.evHandler("chainsync: SetGapBlock: block[%s] peer[%s]", block, block.NodeID)
}

// ClearGapBlock forgets the gap block.
func (m *Manager) ClearGapBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gap = nil
}

// ReportBadAction drops the queued blocks the peer sent and reports the peer
// to the registry.
func (m *Manager) ReportBadAction(nodeID string) {
	m.evHandler("chainsync: ReportBadAction: peer[%s]", nodeID)

	if err := m.queue.Drop(nodeID, ScanBlocksLimit); err != nil {
		m.evHandler("chainsync: ReportBadAction: drop blocks: ERROR: %s", err)
	}

	m.mu.RLock()
	network := m.network
	m.mu.RUnlock()

	if network != nil {
		network.ReportPeer(nodeID)
	}
}

// IsSyncDone reports whether this node caught up with its peers.
func (m *Manager) IsSyncDone() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.syncDone
}

// =============================================================================

// Maintain moves the handlers through the sync cycle. It's called on a fixed
// interval by the node's worker.
func (m *Manager) Maintain() {
	if m.syncDisabled {
		return
	}

	m.clearResolvedGap()

	var master *Handler
	for _, h := range m.Peers() {
		switch {
		case h.LackExhausted():
			h.ChangeState(Idle)

		case h.IsHashRetrievingDone():
			h.ChangeState(BlockRetrieving)

		case h.IsHashRetrieving():
			if h.SinceLastUpdate() > PeerStuckTimeout {
				m.evHandler("chainsync: Maintain: peer[%s]: stuck retrieving headers", h.NodeID())
				h.ChangeState(Idle)
				continue
			}
			master = h
		}
	}

	if master == nil {
		if master = m.pickMaster(); master != nil {
			m.evHandler("chainsync: Maintain: peer[%s]: start retrieving headers", master.NodeID())
			master.ChangeState(HashRetrieving)
		}
	}

	if !m.headers.IsEmpty() {
		for _, h := range m.Peers() {
			if h.IsIdle() && h.HasStatusSucceeded() {
				h.ChangeState(BlockRetrieving)
			}
		}
	}

	m.checkSyncDone(master)
}

// pickMaster selects the peer to retrieve headers from: the sender of the
// gap block when there is one, otherwise the idle peer with the heaviest
// chain that's heavier than ours.
func (m *Manager) pickMaster() *Handler {
	if gap, exists := m.GapBlock(); exists {
		if h, exists := m.Peer(gap.NodeID); exists && h.HasStatusSucceeded() && h.IsIdle() {
			return h
		}
	}

	td := m.chain.TotalDifficulty()

	var best *Handler
	var bestTD *big.Int
	for _, h := range m.Peers() {
		if !h.HasStatusSucceeded() || !h.IsIdle() {
			continue
		}

		peerTD := h.TotalDifficulty()
		if peerTD.Cmp(td) <= 0 {
			continue
		}

		if best == nil || peerTD.Cmp(bestTD) > 0 {
			best, bestTD = h, peerTD
		}
	}

	return best
}

// clearResolvedGap forgets the gap block once it's part of the chain.
func (m *Manager) clearResolvedGap() {
	gap, exists := m.GapBlock()
	if !exists {
		return
	}

	if m.chain.IsBlockExist(gap.Hash()) {
		m.evHandler("chainsync: Maintain: gap block[%s] resolved", gap)
		m.ClearGapBlock()
	}
}

// checkSyncDone flags sync as done the first time nothing is left to fetch
// or import and no peer claims a heavier chain.
func (m *Manager) checkSyncDone(master *Handler) {
	if m.IsSyncDone() || master != nil {
		return
	}

	peers := m.Peers()
	if len(peers) == 0 || !m.headers.IsEmpty() || !m.queue.IsEmpty() {
		return
	}

	if _, exists := m.GapBlock(); exists {
		return
	}

	td := m.chain.TotalDifficulty()
	for _, h := range peers {
		if h.TotalDifficulty().Cmp(td) > 0 || !h.IsIdle() {
			return
		}
	}

	m.mu.Lock()
	m.syncDone = true
	network := m.network
	m.mu.Unlock()

	m.evHandler("chainsync: Maintain: sync done: td[%s]", td)

	for _, h := range peers {
		h.OnSyncDone()
	}

	if network != nil {
		network.OnSyncDone()
	}
}
