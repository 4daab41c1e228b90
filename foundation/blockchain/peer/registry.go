package peer

import (
	"context"
	"math/big"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Set of defaults used when the configuration leaves a value unset.
const (
	DefaultMaxActivePeers = 30
	DefaultMaxSafeTxs     = 192
	DefaultBanTimeout     = 10 * time.Second
	DefaultBanListSize    = 500
	DefaultQueueSize      = 100
	DefaultFanOut         = 8
)

// EventHandler defines a function that is called when events occur in the
// processing of the registry.
type EventHandler func(v string, args ...any)

// Sync interface represents the behavior required from the sync manager.
type Sync interface {
	IsSyncDone() bool
	AddPeer(h *chainsync.Handler)
	OnDisconnect(h *chainsync.Handler)
}

// TxSource interface represents the behavior required to hand pending
// transactions to a newly active peer.
type TxSource interface {
	PendingTransactions() []database.Tx
}

// Config represents the settings for the registry.
type Config struct {
	MaxActivePeers int
	Trusted        []string
	MaxSafeTxs     int
	BanTimeout     time.Duration
	BanListSize    int
	QueueSize      int
	FanOut         int
	Sync           Sync
	TxSource       TxSource
	Now            func() time.Time
	EvHandler      EventHandler
}

// NewBlock is a block waiting to be propagated to the active peers.
type NewBlock struct {
	Block   database.BlockRecord
	TD      *big.Int
	Exclude string
}

// Registry tracks the connected peers. A peer starts out pending and is
// promoted to active by the admission sweep once its handshake is done.
type Registry struct {
	maxActive  int
	trusted    map[string]struct{}
	maxSafeTxs int
	banTimeout time.Duration
	fanOut     int
	sync       Sync
	txSource   TxSource
	now        func() time.Time
	evHandler  EventHandler

	banned    *lru.Cache[string, time.Time]
	newActive chan *chainsync.Handler
	newBlocks chan NewBlock

	mu          sync.RWMutex
	pending     map[string]*chainsync.Handler
	pendingList []*chainsync.Handler
	active      map[string]*chainsync.Handler
}

// NewRegistry constructs a registry for the sync manager.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Sync == nil {
		return nil, errors.New("peer: sync manager must be provided")
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.MaxActivePeers <= 0 {
		cfg.MaxActivePeers = DefaultMaxActivePeers
	}
	if cfg.MaxSafeTxs <= 0 {
		cfg.MaxSafeTxs = DefaultMaxSafeTxs
	}
	if cfg.BanTimeout <= 0 {
		cfg.BanTimeout = DefaultBanTimeout
	}
	if cfg.BanListSize <= 0 {
		cfg.BanListSize = DefaultBanListSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultFanOut
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	banned, err := lru.New[string, time.Time](cfg.BanListSize)
	if err != nil {
		return nil, errors.Wrap(err, "ban list")
	}

	trusted := make(map[string]struct{})
	for _, id := range cfg.Trusted {
		trusted[id] = struct{}{}
	}

	r := Registry{
		maxActive:  cfg.MaxActivePeers,
		trusted:    trusted,
		maxSafeTxs: cfg.MaxSafeTxs,
		banTimeout: cfg.BanTimeout,
		fanOut:     cfg.FanOut,
		sync:       cfg.Sync,
		txSource:   cfg.TxSource,
		now:        cfg.Now,
		evHandler:  ev,
		banned:     banned,
		newActive:  make(chan *chainsync.Handler, cfg.QueueSize),
		newBlocks:  make(chan NewBlock, cfg.QueueSize),
		pending:    make(map[string]*chainsync.Handler),
		active:     make(map[string]*chainsync.Handler),
	}

	return &r, nil
}

// =============================================================================

// Add registers a freshly connected peer as pending.
func (r *Registry) Add(h *chainsync.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[h.NodeID()]; exists {
		return
	}

	r.pending[h.NodeID()] = h
	r.pendingList = append(r.pendingList, h)
	r.evHandler("peer: Add: peer[%s]: pending[%d]", h.NodeID(), len(r.pendingList))
}

type rejection struct {
	h      *chainsync.Handler
	reason wire.Reason
}

// ProcessPending is the admission sweep. Every pending peer that finished
// its handshake is either promoted to active or disconnected.
func (r *Registry) ProcessPending() {
	var promoted []*chainsync.Handler
	var rejected []rejection

	r.mu.Lock()
	{
		remaining := r.pendingList[:0]
		for _, h := range r.pendingList {
			if !h.HasStatusPassed() {
				remaining = append(remaining, h)
				continue
			}

			delete(r.pending, h.NodeID())

			switch {
			case !h.HasStatusSucceeded():
				// The handler already disconnected the peer.

			case r.active[h.NodeID()] != nil:
				rejected = append(rejected, rejection{h, wire.ReasonDuplicatePeer})

			case h.Conn().Inbound() && len(r.active) >= r.maxActive && !r.isTrusted(h.NodeID()):
				rejected = append(rejected, rejection{h, wire.ReasonTooManyPeers})

			default:
				r.active[h.NodeID()] = h
				promoted = append(promoted, h)
			}
		}
		clear(r.pendingList[len(remaining):])
		r.pendingList = remaining
	}
	r.mu.Unlock()

	for _, rej := range rejected {
		r.evHandler("peer: ProcessPending: peer[%s]: rejected: reason[%s]", rej.h.NodeID(), rej.reason)
		rej.h.Conn().Disconnect(rej.reason)
	}

	syncDone := r.sync.IsSyncDone()
	for _, h := range promoted {
		r.evHandler("peer: ProcessPending: peer[%s]: active", h.NodeID())

		if syncDone {
			h.OnSyncDone()
			r.signalNewActive(h)
		}

		r.sync.AddPeer(h)
	}
}

func (r *Registry) isTrusted(nodeID string) bool {
	_, exists := r.trusted[nodeID]
	return exists
}

// signalNewActive queues the peer to receive the pending transactions.
func (r *Registry) signalNewActive(h *chainsync.Handler) {
	select {
	case r.newActive <- h:
	default:
		r.evHandler("peer: signalNewActive: peer[%s]: queue full, pending transactions won't be sent", h.NodeID())
	}
}

// OnDisconnect removes the peer from every bucket and lets sync release
// what the peer was holding.
func (r *Registry) OnDisconnect(h *chainsync.Handler) {
	nodeID := h.NodeID()

	r.mu.Lock()
	{
		if r.pending[nodeID] == h {
			delete(r.pending, nodeID)
		}

		if i := slices.Index(r.pendingList, h); i >= 0 {
			r.pendingList = slices.Delete(r.pendingList, i, i+1)
		}

		if r.active[nodeID] == h {
			delete(r.active, nodeID)
		}
	}
	r.mu.Unlock()

	r.banned.Add(nodeID, r.now())
	r.sync.OnDisconnect(h)

	r.evHandler("peer: OnDisconnect: peer[%s]", nodeID)
}

// IsRecentlyDisconnected reports whether the node disconnected within the
// ban timeout. Such nodes aren't accepted again until it passes.
func (r *Registry) IsRecentlyDisconnected(nodeID string) bool {
	at, exists := r.banned.Get(nodeID)
	if !exists {
		return false
	}

	if r.now().Sub(at) >= r.banTimeout {
		r.banned.Remove(nodeID)
		return false
	}

	return true
}

// ReportPeer disconnects a peer that broke the protocol.
func (r *Registry) ReportPeer(nodeID string) {
	h, exists := r.Lookup(nodeID)

	r.banned.Add(nodeID, r.now())
	r.evHandler("peer: ReportPeer: peer[%s]", nodeID)

	if exists {
		h.Conn().Disconnect(wire.ReasonBadProtocol)
	}
}

// OnSyncDone lets the peers still waiting for admission accept transactions.
func (r *Registry) OnSyncDone() {
	r.mu.RLock()
	pending := slices.Clone(r.pendingList)
	r.mu.RUnlock()

	for _, h := range pending {
		h.OnSyncDone()
	}

	r.evHandler("peer: OnSyncDone: pending[%d]", len(pending))
}

// Shutdown disconnects every peer.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	peers := make([]*chainsync.Handler, 0, len(r.active)+len(r.pendingList))
	for _, h := range r.active {
		peers = append(peers, h)
	}
	peers = append(peers, r.pendingList...)
	r.mu.RUnlock()

	for _, h := range peers {
		h.Conn().Disconnect(wire.ReasonPeerQuitting)
	}

	r.evHandler("peer: Shutdown: disconnected[%d]", len(peers))
}

// =============================================================================

// Lookup finds a pending or active peer.
func (r *Registry) Lookup(nodeID string) (*chainsync.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, exists := r.active[nodeID]; exists {
		return h, true
	}

	h, exists := r.pending[nodeID]
	return h, exists
}

// ActivePeer returns the active peer with the node id.
func (r *Registry) ActivePeer(nodeID string) (*chainsync.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, exists := r.active[nodeID]
	return h, exists
}

// ActivePeers returns the active peers.
func (r *Registry) ActivePeers() []*chainsync.Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]*chainsync.Handler, 0, len(r.active))
	for _, h := range r.active {
		peers = append(peers, h)
	}

	return peers
}

// IsPeerExist reports whether the node is pending or active.
func (r *Registry) IsPeerExist(nodeID string) bool {
	_, exists := r.Lookup(nodeID)
	return exists
}

// ActiveCount returns the number of active peers.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.active)
}

// PendingCount returns the number of peers waiting for admission.
func (r *Registry) PendingCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pendingList)
}

// AllPeersCount returns the number of pending and active peers.
func (r *Registry) AllPeersCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.pendingList) + len(r.active)
}

// =============================================================================

// SendTransaction relays the transactions to every active peer except the
// one they came from. Large sets are sampled down to MaxSafeTxs.
func (r *Registry) SendTransaction(txs []database.Tx, exclude string) {
	txs = sampleTxs(txs, r.maxSafeTxs)
	if len(txs) == 0 {
		return
	}

	for _, h := range r.ActivePeers() {
		if h.NodeID() == exclude {
			continue
		}

		if err := h.SendTransactions(txs); err != nil {
			r.evHandler("peer: SendTransaction: peer[%s]: ERROR: %s", h.NodeID(), err)
		}
	}
}

// SendNewBlock propagates the block to every active peer except the one it
// came from.
func (r *Registry) SendNewBlock(block database.BlockRecord, td *big.Int, exclude string) {
	var g errgroup.Group
	g.SetLimit(r.fanOut)

	for _, h := range r.ActivePeers() {
		if h.NodeID() == exclude {
			continue
		}

		g.Go(func() error {
			if err := h.SendNewBlock(block, td); err != nil {
				return errors.Wrapf(err, "peer[%s]", h.NodeID())
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.evHandler("peer: SendNewBlock: block[%s]: ERROR: %s", block, err)
	}
}

// SendNewBlockHeader propagates the header to every active peer except the
// one it came from.
func (r *Registry) SendNewBlockHeader(header database.Header, exclude string) {
	for _, h := range r.ActivePeers() {
		if h.NodeID() == exclude {
			continue
		}

		if err := h.SendNewBlockHeader(header); err != nil {
			r.evHandler("peer: SendNewBlockHeader: peer[%s]: ERROR: %s", h.NodeID(), err)
		}
	}
}

// SendPendingTransactions hands the pool's transactions to a new peer.
func (r *Registry) SendPendingTransactions(h *chainsync.Handler) {
	if r.txSource == nil {
		return
	}

	txs := sampleTxs(r.txSource.PendingTransactions(), r.maxSafeTxs)
	if len(txs) == 0 {
		return
	}

	if err := h.SendTransactions(txs); err != nil {
		r.evHandler("peer: SendPendingTransactions: peer[%s]: ERROR: %s", h.NodeID(), err)
	}
}

// OnNewForeignBlock queues a block imported from a peer for propagation.
// If the queue is full the block isn't propagated.
func (r *Registry) OnNewForeignBlock(block database.BlockRecord, td *big.Int, from string) {
	select {
	case r.newBlocks <- NewBlock{Block: block, TD: td, Exclude: from}:
	default:
		r.evHandler("peer: OnNewForeignBlock: block[%s]: queue full, block won't be propagated", block)
	}
}

// DistributeBlocks propagates queued blocks until the context is canceled.
func (r *Registry) DistributeBlocks(ctx context.Context) {
	for {
		select {
		case nb := <-r.newBlocks:
			r.SendNewBlock(nb.Block, nb.TD, nb.Exclude)

		case <-ctx.Done():
			return
		}
	}
}

// DistributeTransactions sends the pending transactions to peers as they
// become active, until the context is canceled.
func (r *Registry) DistributeTransactions(ctx context.Context) {
	for {
		select {
		case h := <-r.newActive:
			r.SendPendingTransactions(h)

		case <-ctx.Done():
			return
		}
	}
}

// sampleTxs picks limit transactions at random when there are more.
func sampleTxs(txs []database.Tx, limit int) []database.Tx {
	if len(txs) <= limit {
		return txs
	}

	sample := make([]database.Tx, limit)
	for i, j := range rand.Perm(len(txs))[:limit] {
		sample[i] = txs[j]
	}

	return sample
}
