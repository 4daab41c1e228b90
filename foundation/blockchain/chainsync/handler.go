package chainsync

import (
	"context"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/pkg/errors"
)

// BlocksLackMaxHits is how many empty body responses in a row a peer gets
// before it's left alone until the next sync round.
const BlocksLackMaxHits = 5

// noLowerNumber marks that no block was announced by the peer yet.
const noLowerNumber = math.MaxUint64

type statusState int

const (
	statusInit statusState = iota
	statusSucceeded
	statusFailed
)

// headerRange is the numbering of the headers asked for by the outstanding
// header request.
type headerRange struct {
	start uint64
	last  uint64
	ok    bool
}

// outcome collects what has to happen after a message was processed. These
// actions call into the registry and the manager so they run once the
// handler lock is released.
type outcome struct {
	badPeer     bool
	disconnect  bool
	reason      wire.Reason
	relayTxs    []database.Tx
	relayHeader *database.Header
}

// =============================================================================

// Handler runs the sync state machine for a single peer.
type Handler struct {
	conn    wire.Conn
	version wire.Version
	m       *Manager
	inbox   chan wire.Message

	mu                  sync.Mutex
	status              statusState
	syncState           State
	syncDone            bool
	processTxs          bool
	lackHits            int
	lackExhausted       bool
	remoteTD            *big.Int
	bestHash            database.Hash
	lastHashToAsk       database.Hash
	maxHashesAsk        int
	stats               Statistics
	newBlockLowerNumber uint64
	sentHeaders         []database.Header
	ancestorFound       bool
	ancestor            database.Header
	request             headerRange
	shutdown            bool
}

// NodeID returns the id of the remote node.
func (h *Handler) NodeID() string {
	return h.conn.NodeID()
}

// Version returns the protocol version spoken with the peer.
func (h *Handler) Version() wire.Version {
	return h.version
}

// Conn returns the connection to the peer.
func (h *Handler) Conn() wire.Conn {
	return h.conn
}

// Activate starts the handshake by sending our status.
func (h *Handler) Activate() error {
	best, err := h.m.chain.BestBlock()
	if err != nil {
		return errors.Wrap(err, "best block")
	}

	status := wire.Status{
		ProtocolVersion: h.version,
		NetworkID:       h.m.networkID,
		TotalDifficulty: wire.BigTD(h.m.chain.TotalDifficulty()),
		BestHash:        best.Hash(),
		GenesisHash:     h.m.genesisHash,
	}

	return h.conn.Send(status)
}

// Deliver hands an inbound message to the handler's Run loop.
func (h *Handler) Deliver(msg wire.Message) error {
	select {
	case h.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// Run processes delivered messages in order until the context is canceled.
func (h *Handler) Run(ctx context.Context) {
	for {
		select {
		case msg := <-h.inbox:
			if err := h.Handle(msg); err != nil {
				h.m.evHandler("chainsync: Run: peer[%s]: msg[%s]: ERROR: %s", h.NodeID(), msg.Code(), err)
			}

		case <-ctx.Done():
			return
		}
	}
}

// Handle processes a single message from the peer.
func (h *Handler) Handle(msg wire.Message) error {
	h.mu.Lock()

	if h.shutdown {
		h.mu.Unlock()
		return ErrShutdown
	}

	fn, exists := dispatch[h.version][msg.Code()]
	if !exists {
		h.mu.Unlock()
		h.m.evHandler("chainsync: Handle: peer[%s]: unexpected msg[%s]", h.NodeID(), msg.Code())
		return nil
	}

	out, err := fn(h, msg)
	h.mu.Unlock()

	h.apply(out)

	return err
}

// apply carries out the actions processing asked for.
func (h *Handler) apply(out outcome) {
	nodeID := h.NodeID()

	if out.disconnect {
		h.m.evHandler("chainsync: peer[%s]: disconnect: reason[%s]", nodeID, out.reason)
		h.conn.Disconnect(out.reason)
	}

	if out.badPeer {
		h.m.ReportBadAction(nodeID)
	}

	if len(out.relayTxs) == 0 && out.relayHeader == nil {
		return
	}

	h.m.mu.RLock()
	network := h.m.network
	h.m.mu.RUnlock()

	if network == nil {
		return
	}

	if len(out.relayTxs) > 0 {
		network.SendTransaction(out.relayTxs, nodeID)
	}

	if out.relayHeader != nil {
		network.SendNewBlockHeader(*out.relayHeader, nodeID)
	}
}

// Shutdown stops the handler and hands back the headers it was waiting on.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return
	}

	h.changeState(Idle)
	h.returnHeaders()
	h.shutdown = true
}

// =============================================================================

// State returns where the handler is in the sync cycle.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.syncState
}

// ChangeState moves the handler to the state.
func (h *Handler) ChangeState(state State) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.shutdown {
		return
	}

	h.changeState(state)
}

// IsIdle reports whether the handler is idle.
func (h *Handler) IsIdle() bool {
	return h.State() == Idle
}

// IsHashRetrieving reports whether the handler is retrieving headers.
func (h *Handler) IsHashRetrieving() bool {
	return h.State() == HashRetrieving
}

// IsHashRetrievingDone reports whether the handler finished retrieving headers.
func (h *Handler) IsHashRetrievingDone() bool {
	return h.State() == DoneHashRetrieving
}

// HasBlocksLack reports whether the peer stopped delivering bodies.
func (h *Handler) HasBlocksLack() bool {
	return h.State() == BlocksLack
}

// LackExhausted reports whether the peer ran out of chances to deliver
// bodies in this round.
func (h *Handler) LackExhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.syncState == BlocksLack && h.lackExhausted
}

// LackHits returns the number of empty body responses in a row.
func (h *Handler) LackHits() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.lackHits
}

// HasStatusPassed reports whether the handshake finished either way.
func (h *Handler) HasStatusPassed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status != statusInit
}

// HasStatusSucceeded reports whether the handshake succeeded.
func (h *Handler) HasStatusSucceeded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.status == statusSucceeded
}

// TotalDifficulty returns the total difficulty the peer claims.
func (h *Handler) TotalDifficulty() *big.Int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return new(big.Int).Set(h.remoteTD)
}

// BestKnownHash returns the hash of the best block the peer announced.
func (h *Handler) BestKnownHash() database.Hash {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.bestHash
}

// CommonAncestor returns the block fork coverage found in both chains.
func (h *Handler) CommonAncestor() (database.Header, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.ancestor, h.ancestorFound
}

// SinceLastUpdate returns how long ago the peer last answered a request.
func (h *Handler) SinceLastUpdate() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.stats.SinceLastUpdate(h.m.now())
}

// SetMaxHashesAsk sets how many headers are asked for per request.
func (h *Handler) SetMaxHashesAsk(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.maxHashesAsk = n
}

// SetLastHashToAsk sets the hash header retrieval stops at.
func (h *Handler) SetLastHashToAsk(hash database.Hash) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastHashToAsk = hash
}

// EnableTransactions starts accepting transactions from the peer.
func (h *Handler) EnableTransactions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.processTxs = true
}

// DisableTransactions stops accepting transactions from the peer.
func (h *Handler) DisableTransactions() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.processTxs = false
}

// OnSyncDone is called once the node caught up with the network.
func (h *Handler) OnSyncDone() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.syncDone = true
	h.processTxs = true
}

// =============================================================================

// SendTransactions relays transactions to the peer.
func (h *Handler) SendTransactions(txs []database.Tx) error {
	return h.conn.Send(wire.Transactions{Txs: txs})
}

// SendNewBlock propagates a block with its total difficulty.
func (h *Handler) SendNewBlock(block database.BlockRecord, td *big.Int) error {
	return h.conn.Send(wire.NewBlock{Block: block, TotalDifficulty: wire.BigTD(td)})
}

// SendNewBlockHeader propagates the header of a new block.
func (h *Handler) SendNewBlockHeader(header database.Header) error {
	return h.conn.Send(wire.NewBlockHeader{Header: header})
}

// SendNewBlockHashes announces a block by hash and number.
func (h *Handler) SendNewBlockHashes(block database.BlockRecord) error {
	msg := wire.NewBlockHashes{
		Identifiers: []database.BlockIdentifier{{Hash: block.Hash(), Number: block.Number()}},
	}

	return h.conn.Send(msg)
}

// =============================================================================

// changeState moves the state machine. The caller must hold the lock.
func (h *Handler) changeState(newState State) {
	if newState == BlocksLack {
		h.blocksLack()
		return
	}

	if h.syncState == newState {
		return
	}

	now := h.m.now()
	h.m.evHandler("chainsync: peer[%s]: state[%s] -> state[%s]", h.NodeID(), h.syncState, newState)

	switch newState {
	case HashRetrieving:
		if !h.stats.IsEmptyHashesGotTimeout(now) {
			h.m.evHandler("chainsync: peer[%s]: empty headers %s ago, skipping retrieval", h.NodeID(), h.stats.SinceLastEmptyHashes(now))
			h.changeState(DoneHashRetrieving)
			return
		}

		h.stats.Reset(now)
		h.syncState = HashRetrieving
		h.startForkCoverage()
		return

	case BlockRetrieving:
		h.stats.Reset(now)
		h.lackExhausted = false
		h.syncState = BlockRetrieving
		h.sendGetBlockBodies()
		return
	}

	h.syncState = newState
}

// blocksLack records an empty body response. After BlocksLackMaxHits of
// them, or once sync is done, the peer is left alone for this round.
func (h *Handler) blocksLack() {
	h.syncState = BlocksLack

	if h.syncDone {
		h.lackHits = 0
		h.lackExhausted = true
		return
	}

	h.lackHits++
	h.m.evHandler("chainsync: peer[%s]: no bodies: hits[%d]", h.NodeID(), h.lackHits)

	if h.lackHits >= BlocksLackMaxHits {
		h.lackHits = 0
		h.lackExhausted = true
	}
}

// returnHeaders puts the headers with outstanding bodies back in the queue.
func (h *Handler) returnHeaders() {
	if len(h.sentHeaders) == 0 {
		return
	}

	h.m.headers.Return(h.sentHeaders)
	h.sentHeaders = nil
}

// send passes the message to the connection, logging failures.
func (h *Handler) send(msg wire.Message) bool {
	if err := h.conn.Send(msg); err != nil {
		h.m.evHandler("chainsync: peer[%s]: send msg[%s]: ERROR: %s", h.NodeID(), msg.Code(), err)
		return false
	}

	return true
}

// sendGetBlockHeaders asks for headers by number.
func (h *Handler) sendGetBlockHeaders(number uint64, maxHeaders int) {
	if maxHeaders <= 0 {
		return
	}

	h.request = headerRange{start: number, last: number + uint64(maxHeaders) - 1, ok: true}
	h.send(wire.GetBlockHeaders{Number: number, MaxHeaders: maxHeaders})
}

// sendGetBlockHeadersByHash asks for headers walking back from the hash
// of a block with a known number.
func (h *Handler) sendGetBlockHeadersByHash(hash database.Hash, number uint64, maxHeaders int) {
	last := uint64(0)
	if number >= uint64(maxHeaders-1) {
		last = number - uint64(maxHeaders-1)
	}

	h.request = headerRange{start: number, last: last, ok: true}
	h.send(wire.GetBlockHeaders{Hash: hash, MaxHeaders: maxHeaders, Reverse: true})
}

// sendGetBlockBodies takes the next batch of headers from the queue and
// asks for their bodies. With nothing queued the handler goes idle.
func (h *Handler) sendGetBlockBodies() bool {
	h.returnHeaders()

	headers := h.m.headers.Poll(h.m.maxBlocksAsk)
	if len(headers) == 0 {
		h.m.evHandler("chainsync: peer[%s]: no headers queued, going idle", h.NodeID())
		h.changeState(Idle)
		return false
	}

	hashes := make([]database.Hash, len(headers))
	for i, header := range headers {
		hashes[i] = header.Hash()
	}

	h.sentHeaders = headers
	return h.send(wire.GetBlockBodies{Hashes: hashes})
}

// =============================================================================

func (h *Handler) processStatus(msg wire.Status) (outcome, error) {
	if msg.GenesisHash != h.m.genesisHash || msg.ProtocolVersion != h.version {
		h.status = statusFailed
		return outcome{disconnect: true, reason: wire.ReasonIncompatibleProtocol}, nil
	}

	if msg.NetworkID != h.m.networkID {
		h.status = statusFailed
		return outcome{disconnect: true, reason: wire.ReasonNullIdentity}, nil
	}

	h.status = statusSucceeded
	h.bestHash = msg.BestHash
	h.remoteTD = msg.TD()

	h.m.evHandler("chainsync: peer[%s]: status: td[%s] best[%s]", h.NodeID(), h.remoteTD, database.ShortHash(h.bestHash))

	return outcome{}, nil
}

func (h *Handler) processTransactions(msg wire.Transactions) (outcome, error) {
	if !h.processTxs || h.m.txPool == nil {
		return outcome{}, nil
	}

	added := h.m.txPool.AddWireTransactions(msg.Txs)
	return outcome{relayTxs: added}, nil
}

func (h *Handler) processNewBlock(msg wire.NewBlock) (outcome, error) {
	td := msg.TD()
	if td.Cmp(h.m.chain.TotalDifficulty()) < 0 {
		h.m.evHandler("chainsync: peer[%s]: new block[%s]: td[%s] below ours, skipping", h.NodeID(), msg.Block, td)
		return outcome{}, nil
	}

	h.remoteTD = td
	h.bestHash = msg.Block.Hash()

	block := database.NewBlockRecord(msg.Block.Header, msg.Block.Body)
	if err := h.m.queue.Add(blockqueue.NewBlockWrapper(block, h.NodeID(), true)); err != nil {
		return outcome{}, errors.Wrapf(err, "queueing new block %s", block)
	}

	return outcome{}, nil
}

func (h *Handler) processNewBlockHeader(msg wire.NewBlockHeader) (outcome, error) {
	added := h.addHeaders([]database.Header{msg.Header})
	if len(added) == 0 {
		return outcome{}, nil
	}

	header := added[0]
	return outcome{relayHeader: &header}, nil
}

// addHeaders queues the headers for body retrieval, skipping the ones whose
// block is already queued or stored.
func (h *Handler) addHeaders(headers []database.Header) []database.Header {
	headers = h.m.queue.FilterExistingHeaders(headers)

	adding := make([]database.Header, 0, len(headers))
	for _, header := range headers {
		if !h.m.chain.IsBlockExist(header.Hash()) {
			adding = append(adding, header)
		}
	}

	added := h.m.headers.Add(adding)
	if len(added) > 0 {
		h.m.evHandler("chainsync: peer[%s]: headers queued[%d] from[%s] to[%s]", h.NodeID(), len(added), added[0], added[len(added)-1])
	}

	return added
}
