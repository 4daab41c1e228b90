package chainsync_test

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/memory"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const networkID = 7

func genesis() database.BlockRecord {
	return database.NewBlockRecord(database.Header{
		TimeStamp:            1_700_000_000,
		CumulativeDifficulty: big.NewInt(1),
	}, nil)
}

func child(parent database.BlockRecord, tag byte) database.BlockRecord {
	td := new(big.Int).Add(parent.CumulativeDifficulty(), big.NewInt(10))

	return database.NewBlockRecord(database.Header{
		Number:               parent.Number() + 1,
		PrevHash:             parent.Hash(),
		TimeStamp:            parent.Header.TimeStamp + 60,
		CumulativeDifficulty: td,
		Extra:                []byte{tag},
	}, []byte{tag, byte(parent.Number() + 1)})
}

// branch builds length blocks on top of parent.
func branch(parent database.BlockRecord, length int, tag byte) []database.BlockRecord {
	blocks := make([]database.BlockRecord, 0, length)
	for range length {
		parent = child(parent, tag)
		blocks = append(blocks, parent)
	}

	return blocks
}

func headerRun(parent database.BlockRecord, length int, tag byte) []database.Header {
	var headers []database.Header
	for _, block := range branch(parent, length, tag) {
		headers = append(headers, block.Header)
	}

	return headers
}

func headersOf(blocks []database.BlockRecord) []database.Header {
	headers := make([]database.Header, len(blocks))
	for i, block := range blocks {
		headers[i] = block.Header
	}

	return headers
}

func bodiesOf(blocks []database.BlockRecord) []hexutil.Bytes {
	bodies := make([]hexutil.Bytes, len(blocks))
	for i, block := range blocks {
		bodies[i] = block.Body
	}

	return bodies
}

// =============================================================================

type fakeConn struct {
	id string

	mu      sync.Mutex
	sent    []wire.Message
	reasons []wire.Reason
}

func (c *fakeConn) NodeID() string { return c.id }
func (c *fakeConn) Inbound() bool  { return false }

func (c *fakeConn) Send(msg wire.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Disconnect(reason wire.Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.reasons = append(c.reasons, reason)
}

func (c *fakeConn) count(code wire.Code) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for _, msg := range c.sent {
		if msg.Code() == code {
			n++
		}
	}

	return n
}

func (c *fakeConn) last(code wire.Code) wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].Code() == code {
			return c.sent[i]
		}
	}

	return nil
}

type fakeQueue struct {
	mu      sync.Mutex
	blocks  []blockqueue.BlockWrapper
	dropped []string
}

func (q *fakeQueue) Add(block blockqueue.BlockWrapper) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.blocks = append(q.blocks, block)
	return nil
}

func (q *fakeQueue) AddAll(blocks []blockqueue.BlockWrapper) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.blocks = append(q.blocks, blocks...)
	return nil
}

func (q *fakeQueue) FilterExistingHeaders(headers []database.Header) []database.Header {
	q.mu.Lock()
	defer q.mu.Unlock()

	var filtered []database.Header
	for _, header := range headers {
		exists := false
		for _, bw := range q.blocks {
			if bw.Hash() == header.Hash() {
				exists = true
				break
			}
		}
		if !exists {
			filtered = append(filtered, header)
		}
	}

	return filtered
}

func (q *fakeQueue) Drop(nodeID string, scanLimit int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.dropped = append(q.dropped, nodeID)
	return nil
}

func (q *fakeQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.blocks) == 0
}

func (q *fakeQueue) numbers() []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := make([]uint64, len(q.blocks))
	for i, bw := range q.blocks {
		n[i] = bw.Number()
	}

	return n
}

type fakeNetwork struct {
	mu       sync.Mutex
	reported []string
	txs      []database.Tx
	headers  []database.Header
	syncDone int
}

func (n *fakeNetwork) SendTransaction(txs []database.Tx, exclude string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.txs = append(n.txs, txs...)
}

func (n *fakeNetwork) SendNewBlockHeader(header database.Header, exclude string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.headers = append(n.headers, header)
}

func (n *fakeNetwork) ReportPeer(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.reported = append(n.reported, nodeID)
}

func (n *fakeNetwork) OnSyncDone() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.syncDone++
}

type acceptAll struct{}

func (acceptAll) AddWireTransactions(txs []database.Tx) []database.Tx {
	return txs
}

// =============================================================================

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type env struct {
	chain   *chainstore.Store
	blocks  []database.BlockRecord
	queue   *fakeQueue
	network *fakeNetwork
	clock   *clock
	mgr     *chainsync.Manager
}

// newEnv builds a node whose main chain runs from genesis up to height.
func newEnv(t *testing.T, height int) *env {
	t.Helper()

	chain, err := chainstore.Open(chainstore.Config{KV: memory.New(), Codec: database.RLPCodec{}})
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	blocks := append([]database.BlockRecord{genesis()}, branch(genesis(), height, 'm')...)
	for _, block := range blocks {
		chain.SaveBlock(block, block.CumulativeDifficulty(), true)
	}

	e := env{
		chain:   chain,
		blocks:  blocks,
		queue:   &fakeQueue{},
		network: &fakeNetwork{},
		clock:   &clock{now: time.Unix(1_700_000_000, 0)},
	}

	mgr, err := chainsync.NewManager(chainsync.Config{
		NetworkID:    networkID,
		GenesisHash:  blocks[0].Hash(),
		Chain:        chain,
		Queue:        e.queue,
		TxPool:       acceptAll{},
		MaxBlocksAsk: 20,
		Now:          e.clock.Now,
		EvHandler: func(v string, args ...any) {
			t.Logf(v, args...)
		},
	})
	require.NoError(t, err)
	mgr.SetNetwork(e.network)
	e.mgr = mgr

	return &e
}

// connect adds a peer that completed the handshake claiming the total
// difficulty.
func (e *env) connect(t *testing.T, id string, td *big.Int) (*chainsync.Handler, *fakeConn) {
	t.Helper()

	conn := fakeConn{id: id}
	h, err := e.mgr.NewHandler(&conn, wire.V62)
	require.NoError(t, err)
	e.mgr.AddPeer(h)

	status := wire.Status{
		ProtocolVersion: wire.V62,
		NetworkID:       networkID,
		TotalDifficulty: wire.BigTD(td),
		BestHash:        e.blocks[len(e.blocks)-1].Hash(),
		GenesisHash:     e.blocks[0].Hash(),
	}
	require.NoError(t, h.Handle(status))
	require.True(t, h.HasStatusSucceeded())

	return h, &conn
}

func (e *env) td() *big.Int {
	return e.chain.TotalDifficulty()
}

// =============================================================================

func Test_Handshake(t *testing.T) {
	t.Log("Given the need to only sync with peers on the same network.")
	{
		tests := []struct {
			name   string
			mutate func(*wire.Status)
			reason wire.Reason
		}{
			{"genesis", func(s *wire.Status) { s.GenesisHash = database.Hash{1} }, wire.ReasonIncompatibleProtocol},
			{"version", func(s *wire.Status) { s.ProtocolVersion = 61 }, wire.ReasonIncompatibleProtocol},
			{"network", func(s *wire.Status) { s.NetworkID = networkID + 1 }, wire.ReasonNullIdentity},
		}

		for testID, tt := range tests {
			t.Logf("\tTest %d:\tWhen the %s doesn't match.", testID, tt.name)
			{
				e := newEnv(t, 3)

				conn := fakeConn{id: "peer"}
				h, err := e.mgr.NewHandler(&conn, wire.V62)
				require.NoError(t, err)

				require.NoError(t, h.Activate())
				require.Equal(t, 1, conn.count(wire.StatusCode))

				status := wire.Status{
					ProtocolVersion: wire.V62,
					NetworkID:       networkID,
					TotalDifficulty: wire.BigTD(e.td()),
					GenesisHash:     e.blocks[0].Hash(),
				}
				tt.mutate(&status)

				require.NoError(t, h.Handle(status))
				require.True(t, h.HasStatusPassed())
				require.False(t, h.HasStatusSucceeded())
				require.Equal(t, []wire.Reason{tt.reason}, conn.reasons)
				t.Logf("\t%s\tTest %d:\tShould disconnect with %s.", success, testID, tt.reason)
			}
		}
	}

	t.Log("Given the need to only speak supported protocol versions.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen creating a handler for an unknown version.", testID)
		{
			e := newEnv(t, 1)

			_, err := e.mgr.NewHandler(&fakeConn{id: "peer"}, 61)
			require.ErrorIs(t, err, chainsync.ErrUnsupportedVersion)
			t.Logf("\t%s\tTest %d:\tShould refuse the version.", success, testID)
		}
	}
}

func Test_ForkCoverageFromBest(t *testing.T) {
	t.Log("Given the need to fetch the headers of a heavier chain.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the peer extends our best block.", testID)
		{
			e := newEnv(t, 10)
			ext := branch(e.blocks[10], 5, 'p')

			h, conn := e.connect(t, "peer", ext[4].CumulativeDifficulty())

			e.mgr.Maintain()
			require.Equal(t, chainsync.HashRetrieving, h.State())

			req, ok := conn.last(wire.GetBlockHeadersCode).(wire.GetBlockHeaders)
			require.True(t, ok)
			require.Equal(t, uint64(0), req.Number)
			require.Equal(t, 11, req.MaxHeaders)
			t.Logf("\t%s\tTest %d:\tShould ask for the headers up to our best block.", success, testID)

			require.NoError(t, h.Handle(wire.BlockHeaders{Headers: headersOf(e.blocks)}))

			ancestor, found := h.CommonAncestor()
			require.True(t, found)
			require.Equal(t, e.blocks[10].Hash(), ancestor.Hash())

			req = conn.last(wire.GetBlockHeadersCode).(wire.GetBlockHeaders)
			require.Equal(t, uint64(11), req.Number)
			require.Equal(t, chainsync.DefaultMaxHashesAsk, req.MaxHeaders)
			t.Logf("\t%s\tTest %d:\tShould find our best block and continue above it.", success, testID)

			require.NoError(t, h.Handle(wire.BlockHeaders{Headers: headersOf(ext)}))
			require.Equal(t, 5, e.mgr.Headers().Size())

			req = conn.last(wire.GetBlockHeadersCode).(wire.GetBlockHeaders)
			require.Equal(t, uint64(16), req.Number)
			t.Logf("\t%s\tTest %d:\tShould queue the new headers and ask for more.", success, testID)

			require.NoError(t, h.Handle(wire.BlockHeaders{}))
			require.Equal(t, chainsync.DoneHashRetrieving, h.State())
			t.Logf("\t%s\tTest %d:\tShould finish on an empty response.", success, testID)

			e.mgr.Maintain()
			require.Equal(t, chainsync.BlockRetrieving, h.State())

			bodies := conn.last(wire.GetBlockBodiesCode).(wire.GetBlockBodies)
			require.Len(t, bodies.Hashes, 5)

			require.NoError(t, h.Handle(wire.BlockBodies{Bodies: bodiesOf(ext)}))
			require.Equal(t, []uint64{11, 12, 13, 14, 15}, e.queue.numbers())
			require.Equal(t, chainsync.Idle, h.State())
			t.Logf("\t%s\tTest %d:\tShould queue the downloaded blocks and go idle.", success, testID)
		}
	}
}

func Test_ForkCoverageFromGap(t *testing.T) {
	t.Log("Given the need to link a block on a competing branch.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the gap block sits at our best height.", testID)
		{
			e := newEnv(t, 110)

			// The peer's branch leaves ours after block 104.
			fork := branch(e.blocks[104], 6, 'b')
			gapBlock := fork[5]

			h, conn := e.connect(t, "B", gapBlock.CumulativeDifficulty())

			gap := blockqueue.NewBlockWrapper(gapBlock, "B", false)
			require.NoError(t, e.queue.Add(gap))
			e.mgr.SetGapBlock(gap)

			e.mgr.Maintain()

			req, ok := conn.last(wire.GetBlockHeadersCode).(wire.GetBlockHeaders)
			require.True(t, ok)
			require.Equal(t, gapBlock.Hash(), req.Hash)
			require.True(t, req.Reverse)
			require.Equal(t, chainsync.DefaultForkCoverBatch, req.MaxHeaders)
			t.Logf("\t%s\tTest %d:\tShould ask for headers walking back from the gap block.", success, testID)

			// The peer answers from the gap block down to genesis.
			var resp []database.Header
			for i := len(fork) - 1; i >= 0; i-- {
				resp = append(resp, fork[i].Header)
			}
			for i := 104; i >= 0; i-- {
				resp = append(resp, e.blocks[i].Header)
			}

			require.NoError(t, h.Handle(wire.BlockHeaders{Headers: resp}))

			ancestor, found := h.CommonAncestor()
			require.True(t, found)
			require.Equal(t, uint64(104), ancestor.Number)
			require.Equal(t, e.blocks[104].Hash(), ancestor.Hash())
			t.Logf("\t%s\tTest %d:\tShould find block 104 in both chains.", success, testID)

			require.Equal(t, chainsync.DoneHashRetrieving, h.State())
			require.Equal(t, 5, e.mgr.Headers().Size())
			t.Logf("\t%s\tTest %d:\tShould queue the branch except the queued gap block.", success, testID)

			e.mgr.Maintain()
			bodies := conn.last(wire.GetBlockBodiesCode).(wire.GetBlockBodies)
			require.Len(t, bodies.Hashes, 5)
			require.Equal(t, fork[0].Hash(), bodies.Hashes[0])

			require.NoError(t, h.Handle(wire.BlockBodies{Bodies: bodiesOf(fork[:5])}))
			require.Equal(t, []uint64{110, 105, 106, 107, 108, 109}, e.queue.numbers())
			t.Logf("\t%s\tTest %d:\tShould download the missing branch.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the peer answers with a different first header.", testID)
		{
			e := newEnv(t, 20)
			fork := branch(e.blocks[15], 5, 'b')

			h, _ := e.connect(t, "B", fork[4].CumulativeDifficulty())
			e.mgr.SetGapBlock(blockqueue.NewBlockWrapper(fork[4], "B", false))
			e.mgr.Maintain()

			require.NoError(t, h.Handle(wire.BlockHeaders{Headers: headersOf(fork[:3])}))

			require.Equal(t, chainsync.Idle, h.State())
			require.Equal(t, []string{"B"}, e.network.reported)
			require.Equal(t, []string{"B"}, e.queue.dropped)
			t.Logf("\t%s\tTest %d:\tShould report the peer and drop its blocks.", success, testID)
		}
	}
}

func Test_BlocksLack(t *testing.T) {
	t.Log("Given the need to tolerate peers that stop sending bodies.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a peer keeps answering with no bodies.", testID)
		{
			e := newEnv(t, 10)
			h, conn := e.connect(t, "peer", e.td())

			e.mgr.Headers().Add(headerRun(e.blocks[10], 20, 'p'))

			h.ChangeState(chainsync.BlockRetrieving)
			require.Equal(t, 1, conn.count(wire.GetBlockBodiesCode))
			require.Equal(t, 0, e.mgr.Headers().Size())

			for hit := 1; hit < chainsync.BlocksLackMaxHits; hit++ {
				require.NoError(t, h.Handle(wire.BlockBodies{}))
				require.Equal(t, chainsync.BlocksLack, h.State())
				require.Equal(t, hit, h.LackHits())
				require.False(t, h.LackExhausted())
				require.Equal(t, hit+1, conn.count(wire.GetBlockBodiesCode))
			}
			t.Logf("\t%s\tTest %d:\tShould keep asking below the threshold.", success, testID)

			require.NoError(t, h.Handle(wire.BlockBodies{}))
			require.True(t, h.LackExhausted())
			require.Equal(t, 0, h.LackHits())
			require.Equal(t, chainsync.BlocksLackMaxHits, conn.count(wire.GetBlockBodiesCode))
			t.Logf("\t%s\tTest %d:\tShould stop asking at the threshold.", success, testID)

			require.Empty(t, conn.reasons)
			require.Empty(t, e.network.reported)
			require.Equal(t, 20, e.mgr.Headers().Size())
			t.Logf("\t%s\tTest %d:\tShould keep the peer and return its headers.", success, testID)

			e.mgr.Maintain()
			require.Equal(t, chainsync.BlockRetrieving, h.State())
			require.Equal(t, chainsync.BlocksLackMaxHits+1, conn.count(wire.GetBlockBodiesCode))
			t.Logf("\t%s\tTest %d:\tShould try again in the next round.", success, testID)
		}
	}
}

func Test_BodiesShortfall(t *testing.T) {
	t.Log("Given the need to never lose headers a peer didn't serve.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a peer delivers 7 of 20 bodies.", testID)
		{
			e := newEnv(t, 10)
			h, conn := e.connect(t, "peer", e.td())

			ext := branch(e.blocks[10], 20, 'p')
			e.mgr.Headers().Add(headersOf(ext))

			h.ChangeState(chainsync.BlockRetrieving)
			require.NoError(t, h.Handle(wire.BlockBodies{Bodies: bodiesOf(ext[:7])}))

			require.Equal(t, []uint64{11, 12, 13, 14, 15, 16, 17}, e.queue.numbers())
			t.Logf("\t%s\tTest %d:\tShould queue the delivered blocks.", success, testID)

			req := conn.last(wire.GetBlockBodiesCode).(wire.GetBlockBodies)
			require.Len(t, req.Hashes, 13)
			require.Equal(t, ext[7].Hash(), req.Hashes[0])
			require.Equal(t, ext[19].Hash(), req.Hashes[12])
			require.Equal(t, chainsync.BlockRetrieving, h.State())
			t.Logf("\t%s\tTest %d:\tShould ask again for the remaining 13.", success, testID)

			e.mgr.OnDisconnect(h)
			require.Equal(t, 13, e.mgr.Headers().Size())
			require.ErrorIs(t, h.Handle(wire.BlockBodies{}), chainsync.ErrShutdown)
			t.Logf("\t%s\tTest %d:\tShould return the outstanding headers on disconnect.", success, testID)
		}
	}
}

func Test_EmptyHeadersCooldown(t *testing.T) {
	t.Log("Given the need to not flood a peer that has nothing new.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the peer answered a header request with nothing.", testID)
		{
			e := newEnv(t, 10)
			h, conn := e.connect(t, "peer", new(big.Int).Add(e.td(), big.NewInt(1)))

			e.mgr.Maintain()
			require.Equal(t, 1, conn.count(wire.GetBlockHeadersCode))

			require.NoError(t, h.Handle(wire.BlockHeaders{}))
			require.Equal(t, chainsync.DoneHashRetrieving, h.State())

			e.mgr.Maintain()
			require.Equal(t, chainsync.DoneHashRetrieving, h.State())
			require.Equal(t, 1, conn.count(wire.GetBlockHeadersCode))
			t.Logf("\t%s\tTest %d:\tShould not ask again within the cooldown.", success, testID)

			e.clock.Advance(chainsync.EmptyHashesGotTimeout + time.Second)

			e.mgr.Maintain()
			require.Equal(t, chainsync.HashRetrieving, h.State())
			require.Equal(t, 2, conn.count(wire.GetBlockHeadersCode))
			t.Logf("\t%s\tTest %d:\tShould ask again after the cooldown.", success, testID)
		}
	}
}

func Test_Serving(t *testing.T) {
	t.Log("Given the need to serve our chain to peers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen asked for headers and bodies.", testID)
		{
			e := newEnv(t, 10)
			h, conn := e.connect(t, "peer", e.td())

			require.NoError(t, h.Handle(wire.GetBlockHeaders{Number: 2, MaxHeaders: 3, Skip: 1}))
			resp := conn.last(wire.BlockHeadersCode).(wire.BlockHeaders)
			require.Equal(t, []uint64{2, 4, 6}, numbers(resp.Headers))
			t.Logf("\t%s\tTest %d:\tShould skip forward by number.", success, testID)

			require.NoError(t, h.Handle(wire.GetBlockHeaders{Hash: e.blocks[5].Hash(), MaxHeaders: 10, Reverse: true}))
			resp = conn.last(wire.BlockHeadersCode).(wire.BlockHeaders)
			require.Equal(t, []uint64{5, 4, 3, 2, 1, 0}, numbers(resp.Headers))
			t.Logf("\t%s\tTest %d:\tShould walk back by hash down to genesis.", success, testID)

			require.NoError(t, h.Handle(wire.GetBlockHeaders{Number: 9, MaxHeaders: 5}))
			resp = conn.last(wire.BlockHeadersCode).(wire.BlockHeaders)
			require.Equal(t, []uint64{9, 10}, numbers(resp.Headers))
			t.Logf("\t%s\tTest %d:\tShould stop at our best block.", success, testID)

			hashes := []database.Hash{e.blocks[1].Hash(), e.blocks[2].Hash(), {1}, e.blocks[3].Hash()}
			require.NoError(t, h.Handle(wire.GetBlockBodies{Hashes: hashes}))
			bodies := conn.last(wire.BlockBodiesCode).(wire.BlockBodies)
			require.Len(t, bodies.Bodies, 2)
			require.Equal(t, e.blocks[2].Body, bodies.Bodies[1])
			t.Logf("\t%s\tTest %d:\tShould stop at the first unknown body.", success, testID)
		}
	}
}

func Test_SyncDone(t *testing.T) {
	t.Log("Given the need to accept transactions once the node caught up.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen no peer is ahead of us.", testID)
		{
			e := newEnv(t, 5)
			h, _ := e.connect(t, "peer", e.td())

			txs := []database.Tx{{Nonce: 1, Payload: []byte("a")}}
			require.NoError(t, h.Handle(wire.Transactions{Txs: txs}))
			require.Empty(t, e.network.txs)
			t.Logf("\t%s\tTest %d:\tShould ignore transactions while syncing.", success, testID)

			e.mgr.Maintain()
			require.True(t, e.mgr.IsSyncDone())
			require.Equal(t, 1, e.network.syncDone)
			t.Logf("\t%s\tTest %d:\tShould finish sync.", success, testID)

			require.NoError(t, h.Handle(wire.Transactions{Txs: txs}))
			require.Equal(t, txs, e.network.txs)
			t.Logf("\t%s\tTest %d:\tShould relay transactions after sync.", success, testID)

			header := child(e.blocks[5], 'n').Header
			require.NoError(t, h.Handle(wire.NewBlockHeader{Header: header}))
			require.NoError(t, h.Handle(wire.NewBlockHeader{Header: header}))
			require.Len(t, e.network.headers, 1)
			t.Logf("\t%s\tTest %d:\tShould relay a new header once.", success, testID)

			light := child(e.blocks[3], 'l')
			require.NoError(t, h.Handle(wire.NewBlock{Block: light, TotalDifficulty: wire.BigTD(light.CumulativeDifficulty())}))
			require.True(t, e.queue.IsEmpty())

			heavy := child(e.blocks[5], 'h')
			require.NoError(t, h.Handle(wire.NewBlock{Block: heavy, TotalDifficulty: wire.BigTD(heavy.CumulativeDifficulty())}))
			require.Equal(t, []uint64{6}, e.queue.numbers())
			require.Equal(t, heavy.Hash(), h.BestKnownHash())
			t.Logf("\t%s\tTest %d:\tShould only queue new blocks heavier than our chain.", success, testID)
		}
	}
}
