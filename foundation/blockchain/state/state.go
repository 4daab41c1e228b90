// Package state is the core API for the node. It owns the chain store, the
// unprocessed block queue, the sync manager and the peer registry, and it
// implements the rules for inserting blocks into the chain.
package state

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/genesis"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/mempool"
	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/transport"
	"github.com/pkg/errors"
)

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of the node.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for the node's background processing.
type Worker interface {
	Shutdown()
}

// Validator interface represents the consensus rules a block has to pass
// before it's linked to its parent.
type Validator interface {
	ValidateBlock(parent database.BlockRecord, block database.BlockRecord) error
}

// =============================================================================

// Config represents the configuration required to start the node.
type Config struct {
	NodeID  string
	Host    string
	Genesis genesis.Genesis

	KV                  kvstore.KV
	QueueDir            string
	MaxBlockFileSize    uint32
	IndexEntriesPerFile uint32
	Strict              bool
	MutableRange        uint64

	MaxHashesAsk   int
	MaxBlocksAsk   int
	ForkCoverBatch int
	SyncDisabled   bool

	MaxActivePeers int
	TrustedPeers   []string
	MaxSafeTxs     int
	MempoolSize    int
	NetTimeout     time.Duration

	KnownPeers *peer.PeerSet
	Validator  Validator
	EvHandler  EventHandler
}

// State manages the node.
type State struct {
	nodeID       string
	host         string
	genesis      genesis.Genesis
	mutableRange uint64
	validator    Validator
	evHandler    EventHandler

	chain      *chainstore.Store
	queue      *blockqueue.Queue
	manager    *chainsync.Manager
	registry   *peer.Registry
	mempool    *mempool.Mempool
	transport  *transport.Transport
	knownPeers *peer.PeerSet

	// Serializes block insertion.
	importMu sync.Mutex
	imported atomic.Uint64
	reorgs   atomic.Uint64

	mu    sync.Mutex
	conns map[string]peerConn
	wg    sync.WaitGroup

	Worker Worker
}

// New constructs the node over the key value backend holding the chain.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.KnownPeers == nil {
		cfg.KnownPeers = peer.NewPeerSet()
	}

	// Open the chain store and make sure it starts from our genesis block.
	chain, err := chainstore.Open(chainstore.Config{
		KV:        cfg.KV,
		Codec:     database.RLPCodec{},
		Strict:    cfg.Strict,
		EvHandler: chainstore.EventHandler(ev),
	})
	if err != nil {
		return nil, err
	}

	if err := initGenesis(chain, cfg.Genesis, ev); err != nil {
		chain.Close()
		return nil, err
	}

	bestNumber := func() uint64 {
		best, err := chain.BestBlock()
		if err != nil {
			return 0
		}
		return best.Number()
	}

	// The queue loads its pending numbers in the background.
	queue, err := blockqueue.Open(blockqueue.Config{
		Dir:                 cfg.QueueDir,
		MaxBlockFileSize:    cfg.MaxBlockFileSize,
		IndexEntriesPerFile: cfg.IndexEntriesPerFile,
		Codec:               database.RLPCodec{},
		Strict:              cfg.Strict,
		BestNumber:          bestNumber,
		EvHandler:           blockqueue.EventHandler(ev),
	})
	if err != nil {
		chain.Close()
		return nil, err
	}

	s := State{
		nodeID:       cfg.NodeID,
		host:         cfg.Host,
		genesis:      cfg.Genesis,
		mutableRange: cfg.MutableRange,
		validator:    cfg.Validator,
		evHandler:    ev,
		chain:        chain,
		queue:        queue,
		mempool:      mempool.New(cfg.MempoolSize),
		knownPeers:   cfg.KnownPeers,
		conns:        make(map[string]peerConn),
	}

	s.manager, err = chainsync.NewManager(chainsync.Config{
		NetworkID:      cfg.Genesis.NetworkID,
		GenesisHash:    cfg.Genesis.Hash(),
		Chain:          chain,
		Queue:          syncQueue{Queue: queue, state: &s},
		TxPool:         s.mempool,
		MaxHashesAsk:   cfg.MaxHashesAsk,
		MaxBlocksAsk:   cfg.MaxBlocksAsk,
		ForkCoverBatch: cfg.ForkCoverBatch,
		SyncDisabled:   cfg.SyncDisabled,
		EvHandler:      chainsync.EventHandler(ev),
	})
	if err != nil {
		s.close()
		return nil, err
	}

	s.registry, err = peer.NewRegistry(peer.Config{
		MaxActivePeers: cfg.MaxActivePeers,
		Trusted:        cfg.TrustedPeers,
		MaxSafeTxs:     cfg.MaxSafeTxs,
		Sync:           s.manager,
		TxSource:       s.mempool,
		EvHandler:      peer.EventHandler(ev),
	})
	if err != nil {
		s.close()
		return nil, err
	}
	s.manager.SetNetwork(s.registry)

	s.transport = transport.New(transport.Config{
		NodeID:    cfg.NodeID,
		Host:      cfg.Host,
		Timeout:   cfg.NetTimeout,
		EvHandler: transport.EventHandler(ev),
	})

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the node.

	return &s, nil
}

// initGenesis saves the genesis block into an empty store or checks the
// stored one matches.
func initGenesis(chain *chainstore.Store, g genesis.Genesis, ev EventHandler) error {
	block := g.Block()

	if _, exists := chain.MaxNumber(); !exists {
		ev("state: initGenesis: saving genesis block[%s]", block)
		chain.SaveBlock(block, block.CumulativeDifficulty(), true)
		return chain.Flush()
	}

	stored, err := chain.ChainBlockByNumber(0)
	if err != nil {
		if errors.Is(err, chainstore.ErrNotFound) {
			ev("state: initGenesis: genesis pruned, keeping store")
			return nil
		}
		return err
	}

	if stored.Hash() != block.Hash() {
		return errors.Errorf("state: stored genesis %s doesn't match %s", stored, block)
	}

	return nil
}

// Shutdown cleanly brings the node down.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all background processing.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	// Tell the peers we are leaving and wait for the connections to close.
	s.registry.Shutdown()
	s.disconnectAll()
	s.wg.Wait()

	return s.close()
}

func (s *State) close() error {
	var errs []error

	if err := s.queue.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.chain.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}

	return nil
}

// =============================================================================

// NodeID returns the id of this node.
func (s *State) NodeID() string {
	return s.nodeID
}

// Host returns the host this node is reachable on.
func (s *State) Host() string {
	return s.host
}

// Genesis returns the genesis this node was started from.
func (s *State) Genesis() genesis.Genesis {
	return s.genesis
}

// Chain returns the chain store.
func (s *State) Chain() *chainstore.Store {
	return s.chain
}

// Queue returns the unprocessed block queue.
func (s *State) Queue() *blockqueue.Queue {
	return s.queue
}

// Manager returns the sync manager.
func (s *State) Manager() *chainsync.Manager {
	return s.manager
}

// Registry returns the peer registry.
func (s *State) Registry() *peer.Registry {
	return s.registry
}

// Mempool returns the pending transaction pool.
func (s *State) Mempool() *mempool.Mempool {
	return s.mempool
}

// KnownPeers returns the set of hosts this node knows about.
func (s *State) KnownPeers() *peer.PeerSet {
	return s.knownPeers
}

// BestNumber returns the height of the best block.
func (s *State) BestNumber() uint64 {
	best, err := s.chain.BestBlock()
	if err != nil {
		return 0
	}

	return best.Number()
}

// TotalDifficulty returns the cumulative difficulty of the best block.
func (s *State) TotalDifficulty() *big.Int {
	return s.chain.TotalDifficulty()
}

// AwaitQueue blocks until the unprocessed block queue finished loading.
func (s *State) AwaitQueue(ctx context.Context) error {
	return s.queue.AwaitInit(ctx)
}
