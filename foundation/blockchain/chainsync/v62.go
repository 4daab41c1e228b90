package chainsync

import (
	"slices"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/pkg/errors"
)

// MaxHeadersServe caps the headers returned for one request.
const MaxHeadersServe = 1024

// MaxBodiesServe caps the bodies returned for one request.
const MaxBodiesServe = 256

type handlerFunc func(h *Handler, msg wire.Message) (outcome, error)

// dispatch maps the messages of each protocol version to their processing.
var dispatch = map[wire.Version]map[wire.Code]handlerFunc{
	wire.V62: {
		wire.StatusCode:          on((*Handler).processStatus),
		wire.TransactionsCode:    on((*Handler).processTransactions),
		wire.NewBlockCode:        on((*Handler).processNewBlock),
		wire.NewBlockHeaderCode:  on((*Handler).processNewBlockHeader),
		wire.NewBlockHashesCode:  on((*Handler).processNewBlockHashes),
		wire.GetBlockHeadersCode: on((*Handler).processGetBlockHeaders),
		wire.BlockHeadersCode:    on((*Handler).processBlockHeaders),
		wire.GetBlockBodiesCode:  on((*Handler).processGetBlockBodies),
		wire.BlockBodiesCode:     on((*Handler).processBlockBodies),
	},
}

// on adapts a typed processing function to the dispatch table.
func on[M wire.Message](fn func(*Handler, M) (outcome, error)) handlerFunc {
	return func(h *Handler, msg wire.Message) (outcome, error) {
		m, ok := msg.(M)
		if !ok {
			return outcome{}, errors.Errorf("unexpected type %T for msg[%s]", msg, msg.Code())
		}

		return fn(h, m)
	}
}

// =============================================================================

// negativeGap returns the gap block when it sits at or below our best
// block. Fork coverage then walks back from the gap block itself.
func (h *Handler) negativeGap(best database.BlockRecord) (blockqueue.BlockWrapper, bool) {
	gap, exists := h.m.GapBlock()
	if !exists || gap.Number() > best.Number() {
		return blockqueue.BlockWrapper{}, false
	}

	return gap, true
}

// startForkCoverage asks for the headers needed to find the block our chain
// and the peer's chain have in common.
func (h *Handler) startForkCoverage() {
	h.ancestorFound = false
	h.ancestor = database.Header{}

	best, err := h.m.chain.BestBlock()
	if err != nil {
		h.m.evHandler("chainsync: peer[%s]: fork coverage: best block: ERROR: %s", h.NodeID(), err)
		h.syncState = Idle
		return
	}

	batch := h.m.forkCoverBatch

	if gap, exists := h.negativeGap(best); exists {
		h.m.evHandler("chainsync: peer[%s]: fork coverage: from gap block[%s]", h.NodeID(), gap)
		h.sendGetBlockHeadersByHash(gap.Hash(), gap.Number(), batch)
		return
	}

	var start uint64
	if best.Number() >= uint64(batch-1) {
		start = best.Number() - uint64(batch-1)
	}
	count := min(uint64(batch), best.Number()-start+1)

	h.m.evHandler("chainsync: peer[%s]: fork coverage: from[%d] count[%d]", h.NodeID(), start, count)
	h.sendGetBlockHeaders(start, int(count))
}

// maintainForkCoverage looks for the first header we already know, walking
// from the peer's highest header down. Everything above it is queued.
func (h *Handler) maintainForkCoverage(received []database.Header) (outcome, error) {
	best, err := h.m.chain.BestBlock()
	if err != nil {
		h.syncState = Idle
		return outcome{}, errors.Wrap(err, "best block")
	}

	gap, negGap := h.negativeGap(best)

	if !negGap {
		slices.Reverse(received)
	}

	var unknown []database.Header
	i := 0

	if negGap {
		if received[0].Hash() != gap.Hash() {
			h.m.evHandler("chainsync: peer[%s]: fork coverage: first header[%s] isn't gap block[%s]", h.NodeID(), received[0], gap)
			h.syncState = Idle
			return outcome{badPeer: true}, nil
		}

		unknown = append(unknown, received[0])
		i = 1
	}

	found := false
	for ; i < len(received); i++ {
		header := received[i]
		if h.m.chain.IsBlockExist(header.Hash()) {
			h.ancestor = header
			found = true
			break
		}

		unknown = append(unknown, header)
	}

	if !found {
		h.m.evHandler("chainsync: peer[%s]: fork coverage: no common ancestor in %d headers", h.NodeID(), len(received))
		h.syncState = Idle
		return outcome{badPeer: true}, nil
	}

	h.ancestorFound = true
	h.m.evHandler("chainsync: peer[%s]: fork coverage: common ancestor[%s]", h.NodeID(), h.ancestor)

	slices.Reverse(unknown)
	h.addHeaders(unknown)

	if negGap {
		h.changeState(DoneHashRetrieving)
		return outcome{}, nil
	}

	h.sendGetBlockHeaders(best.Number()+1, h.maxHashesAsk)
	return outcome{}, nil
}

// =============================================================================

func (h *Handler) processNewBlockHashes(msg wire.NewBlockHashes) (outcome, error) {
	if len(msg.Identifiers) == 0 {
		return outcome{}, nil
	}

	first := msg.Identifiers[0]
	last := msg.Identifiers[len(msg.Identifiers)-1]

	h.bestHash = last.Hash

	if h.newBlockLowerNumber == noLowerNumber {
		h.newBlockLowerNumber = first.Number
	}

	if h.syncState == HashRetrieving || last.Number < first.Number {
		return outcome{}, nil
	}

	h.sendGetBlockHeaders(first.Number, int(last.Number-first.Number+1))
	return outcome{}, nil
}

func (h *Handler) processBlockHeaders(msg wire.BlockHeaders) (outcome, error) {
	now := h.m.now()
	received := msg.Headers

	request := h.request
	h.request = headerRange{}

	if len(received) == 0 {
		h.stats.AddHashes(now, 0)
		h.stats.SetEmptyHashesGot(now)
		h.changeState(DoneHashRetrieving)
		h.m.evHandler("chainsync: peer[%s]: empty headers, done retrieving", h.NodeID())
		return outcome{}, nil
	}

	if request.ok {
		FillHeaderNumbers(received, request.start, request.last)
	}

	h.stats.SetHashesGot()
	h.stats.AddHashes(now, len(received))

	if h.syncState == HashRetrieving && !h.ancestorFound {
		return h.maintainForkCoverage(received)
	}

	adding := make([]database.Header, 0, len(received))
	for _, header := range received {
		adding = append(adding, header)

		if h.lastHashToAsk != database.ZeroHash && header.Hash() == h.lastHashToAsk {
			h.changeState(DoneHashRetrieving)
			break
		}
	}

	h.addHeaders(adding)

	if h.syncState == HashRetrieving {
		h.sendGetBlockHeaders(received[len(received)-1].Number+1, h.maxHashesAsk)
	}

	return outcome{}, nil
}

// processBlockBodies pairs the bodies with the headers they were asked for.
// Headers the peer didn't deliver go back to the queue for any peer to take.
func (h *Handler) processBlockBodies(msg wire.BlockBodies) (outcome, error) {
	h.stats.AddBlocks(h.m.now(), len(msg.Bodies))

	n := min(len(msg.Bodies), len(h.sentHeaders))

	var regular []blockqueue.BlockWrapper
	var announced []blockqueue.BlockWrapper
	for i := range n {
		block := database.NewBlockRecord(h.sentHeaders[i], msg.Bodies[i])

		switch {
		case block.Number() < h.newBlockLowerNumber:
			regular = append(regular, blockqueue.NewBlockWrapper(block, h.NodeID(), false))
		default:
			announced = append(announced, blockqueue.NewBlockWrapper(block, h.NodeID(), true))
		}
	}

	h.sentHeaders = h.sentHeaders[n:]
	h.returnHeaders()

	if n == 0 {
		h.changeState(BlocksLack)
	} else {
		h.lackHits = 0
		if h.syncState == BlocksLack {
			h.syncState = BlockRetrieving
		}

		if err := h.m.queue.AddAll(regular); err != nil {
			return outcome{}, errors.Wrap(err, "queueing blocks")
		}

		for _, bw := range announced {
			if err := h.m.queue.Add(bw); err != nil {
				return outcome{}, errors.Wrapf(err, "queueing new block %s", bw)
			}
		}

		h.m.evHandler("chainsync: peer[%s]: bodies received[%d]", h.NodeID(), n)
	}

	if h.syncState == BlockRetrieving || (h.syncState == BlocksLack && !h.lackExhausted) {
		h.sendGetBlockBodies()
	}

	return outcome{}, nil
}

// =============================================================================

func (h *Handler) processGetBlockHeaders(msg wire.GetBlockHeaders) (outcome, error) {
	h.send(wire.BlockHeaders{Headers: h.collectHeaders(msg)})
	return outcome{}, nil
}

// collectHeaders walks the chain the way the request describes. A reverse
// request by hash without skip follows parent links so forks can be served.
func (h *Handler) collectHeaders(msg wire.GetBlockHeaders) []database.Header {
	limit := min(msg.MaxHeaders, MaxHeadersServe)
	if limit <= 0 {
		return nil
	}

	var block database.BlockRecord
	var err error

	switch {
	case msg.ByHash():
		block, err = h.m.chain.BlockByHash(msg.Hash)
	default:
		block, err = h.m.chain.ChainBlockByNumber(msg.Number)
	}
	if err != nil {
		return nil
	}

	step := uint64(max(msg.Skip, 0)) + 1
	followParents := msg.ByHash() && msg.Reverse && msg.Skip <= 0

	headers := []database.Header{block.Header}
	for len(headers) < limit {
		switch {
		case followParents:
			if block.Number() == 0 {
				return headers
			}
			block, err = h.m.chain.BlockByHash(block.PrevHash())

		case msg.Reverse:
			if block.Number() < step {
				return headers
			}
			block, err = h.m.chain.ChainBlockByNumber(block.Number() - step)

		default:
			block, err = h.m.chain.ChainBlockByNumber(block.Number() + step)
		}

		if err != nil {
			return headers
		}

		headers = append(headers, block.Header)
	}

	return headers
}

func (h *Handler) processGetBlockBodies(msg wire.GetBlockBodies) (outcome, error) {
	var resp wire.BlockBodies
	for _, hash := range msg.Hashes {
		if len(resp.Bodies) >= MaxBodiesServe {
			break
		}

		block, err := h.m.chain.BlockByHash(hash)
		if err != nil {
			break
		}

		resp.Bodies = append(resp.Bodies, block.Body)
	}

	h.send(resp)
	return outcome{}, nil
}
