package peer_test

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainsync"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/memory"
	"github.com/ardanlabs/blocksync/foundation/blockchain/peer"
	"github.com/ardanlabs/blocksync/foundation/blockchain/wire"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

const networkID = 3

type fakeConn struct {
	id      string
	inbound bool

	mu      sync.Mutex
	sent    []wire.Message
	reasons []wire.Reason
}

func (c *fakeConn) NodeID() string { return c.id }
func (c *fakeConn) Inbound() bool  { return c.inbound }

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

func (c *fakeConn) received(code wire.Code) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	var msgs []wire.Message
	for _, msg := range c.sent {
		if msg.Code() == code {
			msgs = append(msgs, msg)
		}
	}

	return msgs
}

func (c *fakeConn) disconnects() []wire.Reason {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]wire.Reason(nil), c.reasons...)
}

type emptyQueue struct{}

func (emptyQueue) Add(blockqueue.BlockWrapper) error { return nil }
func (emptyQueue) AddAll([]blockqueue.BlockWrapper) error { return nil }
func (emptyQueue) FilterExistingHeaders(h []database.Header) []database.Header { return h }
func (emptyQueue) Drop(string, int) error { return nil }
func (emptyQueue) IsEmpty() bool { return true }

type pool []database.Tx

func (p pool) PendingTransactions() []database.Tx { return p }

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

// =============================================================================

type env struct {
	genesis database.BlockRecord
	mgr     *chainsync.Manager
	reg     *peer.Registry
	clock   *clock
}

func newEnv(t *testing.T, maxActive int, syncDisabled bool, txs pool) *env {
	t.Helper()

	chain, err := chainstore.Open(chainstore.Config{KV: memory.New()})
	require.NoError(t, err)
	t.Cleanup(func() { chain.Close() })

	genesis := database.NewBlockRecord(database.Header{
		TimeStamp:            1_700_000_000,
		CumulativeDifficulty: big.NewInt(1),
	}, nil)
	chain.SaveBlock(genesis, genesis.CumulativeDifficulty(), true)

	ev := func(v string, args ...any) {
		t.Logf(v, args...)
	}

	mgr, err := chainsync.NewManager(chainsync.Config{
		NetworkID:    networkID,
		GenesisHash:  genesis.Hash(),
		Chain:        chain,
		Queue:        emptyQueue{},
		SyncDisabled: syncDisabled,
		EvHandler:    ev,
	})
	require.NoError(t, err)

	clk := clock{now: time.Unix(1_700_000_000, 0)}

	reg, err := peer.NewRegistry(peer.Config{
		MaxActivePeers: maxActive,
		Trusted:        []string{"trusted"},
		Sync:           mgr,
		TxSource:       txs,
		Now:            clk.Now,
		EvHandler:      ev,
	})
	require.NoError(t, err)
	mgr.SetNetwork(reg)

	return &env{genesis: genesis, mgr: mgr, reg: reg, clock: &clk}
}

// connect registers a peer and optionally completes its handshake.
func (e *env) connect(t *testing.T, id string, inbound bool, handshake bool) (*chainsync.Handler, *fakeConn) {
	t.Helper()

	conn := fakeConn{id: id, inbound: inbound}
	h, err := e.mgr.NewHandler(&conn, wire.V62)
	require.NoError(t, err)
	e.reg.Add(h)

	if handshake {
		status := wire.Status{
			ProtocolVersion: wire.V62,
			NetworkID:       networkID,
			TotalDifficulty: wire.BigTD(e.genesis.CumulativeDifficulty()),
			BestHash:        e.genesis.Hash(),
			GenesisHash:     e.genesis.Hash(),
		}
		require.NoError(t, h.Handle(status))
	}

	return h, &conn
}

// =============================================================================

func Test_Admission(t *testing.T) {
	t.Log("Given the need to admit peers once their handshake is done.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen peers connect up to the active limit.", testID)
		{
			e := newEnv(t, 2, false, nil)

			hA, _ := e.connect(t, "a", false, false)
			e.connect(t, "b", true, true)

			e.reg.ProcessPending()
			require.Equal(t, 1, e.reg.ActiveCount())
			require.Equal(t, 1, e.reg.PendingCount())
			t.Logf("\t%s\tTest %d:\tShould keep peers pending until the handshake.", success, testID)

			status := wire.Status{
				ProtocolVersion: wire.V62,
				NetworkID:       networkID,
				TotalDifficulty: wire.BigTD(big.NewInt(1)),
				GenesisHash:     e.genesis.Hash(),
			}
			require.NoError(t, hA.Handle(status))

			e.reg.ProcessPending()
			require.Equal(t, 2, e.reg.ActiveCount())
			require.Equal(t, 0, e.reg.PendingCount())
			require.Len(t, e.mgr.Peers(), 2)
			require.True(t, e.reg.IsPeerExist("a"))
			t.Logf("\t%s\tTest %d:\tShould promote peers to active and sync.", success, testID)

			_, connC := e.connect(t, "c", true, true)
			_, connT := e.connect(t, "trusted", true, true)
			_, connO := e.connect(t, "d", false, true)
			e.connect(t, "e", true, false)

			e.reg.ProcessPending()
			require.Equal(t, []wire.Reason{wire.ReasonTooManyPeers}, connC.disconnects())
			require.Empty(t, connT.disconnects())
			require.Empty(t, connO.disconnects())
			require.Equal(t, 4, e.reg.ActiveCount())
			require.Equal(t, 1, e.reg.PendingCount())
			require.Equal(t, 5, e.reg.AllPeersCount())
			t.Logf("\t%s\tTest %d:\tShould only admit inbound peers over the limit when trusted.", success, testID)

			_, connA2 := e.connect(t, "a", false, true)
			e.reg.ProcessPending()
			require.Equal(t, []wire.Reason{wire.ReasonDuplicatePeer}, connA2.disconnects())

			active, exists := e.reg.ActivePeer("a")
			require.True(t, exists)
			require.Same(t, hA, active)
			t.Logf("\t%s\tTest %d:\tShould refuse a second connection from an active node.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen a handshake fails.", testID)
		{
			e := newEnv(t, 2, false, nil)

			h, conn := e.connect(t, "bad", true, false)
			require.NoError(t, h.Handle(wire.Status{ProtocolVersion: wire.V62, NetworkID: networkID + 1, GenesisHash: e.genesis.Hash()}))

			e.reg.ProcessPending()
			require.Equal(t, 0, e.reg.AllPeersCount())
			require.Equal(t, []wire.Reason{wire.ReasonNullIdentity}, conn.disconnects())
			t.Logf("\t%s\tTest %d:\tShould drop the peer without promoting it.", success, testID)
		}
	}
}

func Test_Broadcast(t *testing.T) {
	t.Log("Given the need to relay blocks and transactions to other peers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen three peers are active.", testID)
		{
			e := newEnv(t, 10, false, nil)

			_, connA := e.connect(t, "a", false, true)
			_, connB := e.connect(t, "b", false, true)
			_, connC := e.connect(t, "c", false, true)
			e.reg.ProcessPending()

			txs := []database.Tx{{Nonce: 1}, {Nonce: 2}}
			e.reg.SendTransaction(txs, "a")
			require.Empty(t, connA.received(wire.TransactionsCode))
			require.Len(t, connB.received(wire.TransactionsCode), 1)
			require.Len(t, connC.received(wire.TransactionsCode), 1)
			t.Logf("\t%s\tTest %d:\tShould skip the peer the transactions came from.", success, testID)

			many := make([]database.Tx, 300)
			for i := range many {
				many[i] = database.Tx{Nonce: uint64(i)}
			}
			e.reg.SendTransaction(many, "")

			msgs := connA.received(wire.TransactionsCode)
			require.Len(t, msgs, 1)

			sent := msgs[0].(wire.Transactions).Txs
			require.Len(t, sent, peer.DefaultMaxSafeTxs)

			seen := make(map[uint64]bool)
			for _, tx := range sent {
				require.False(t, seen[tx.Nonce])
				seen[tx.Nonce] = true
			}
			t.Logf("\t%s\tTest %d:\tShould sample large sets down to a safe size.", success, testID)

			block := database.NewBlockRecord(database.Header{Number: 1, PrevHash: e.genesis.Hash()}, []byte{1})
			e.reg.SendNewBlock(block, big.NewInt(2), "b")
			require.Len(t, connA.received(wire.NewBlockCode), 1)
			require.Empty(t, connB.received(wire.NewBlockCode))
			require.Len(t, connC.received(wire.NewBlockCode), 1)

			e.reg.SendNewBlockHeader(block.Header, "c")
			require.Len(t, connA.received(wire.NewBlockHeaderCode), 1)
			require.Len(t, connB.received(wire.NewBlockHeaderCode), 1)
			require.Empty(t, connC.received(wire.NewBlockHeaderCode))
			t.Logf("\t%s\tTest %d:\tShould skip the peer the block came from.", success, testID)
		}
	}
}

func Test_Disconnect(t *testing.T) {
	t.Log("Given the need to forget disconnected peers.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen an active peer disconnects.", testID)
		{
			e := newEnv(t, 10, false, nil)

			hA, _ := e.connect(t, "a", false, true)
			_, connB := e.connect(t, "b", false, true)
			e.reg.ProcessPending()

			e.reg.OnDisconnect(hA)
			require.False(t, e.reg.IsPeerExist("a"))
			_, exists := e.mgr.Peer("a")
			require.False(t, exists)
			t.Logf("\t%s\tTest %d:\tShould remove the peer from the registry and sync.", success, testID)

			require.True(t, e.reg.IsRecentlyDisconnected("a"))
			e.clock.Advance(peer.DefaultBanTimeout)
			require.False(t, e.reg.IsRecentlyDisconnected("a"))
			t.Logf("\t%s\tTest %d:\tShould refuse the node for the ban timeout.", success, testID)

			e.reg.ReportPeer("b")
			require.Equal(t, []wire.Reason{wire.ReasonBadProtocol}, connB.disconnects())
			require.True(t, e.reg.IsRecentlyDisconnected("b"))
			t.Logf("\t%s\tTest %d:\tShould disconnect a reported peer.", success, testID)

			e.reg.Shutdown()
			require.Equal(t, []wire.Reason{wire.ReasonBadProtocol, wire.ReasonPeerQuitting}, connB.disconnects())
			t.Logf("\t%s\tTest %d:\tShould disconnect everyone on shutdown.", success, testID)
		}
	}
}

func Test_Distribute(t *testing.T) {
	t.Log("Given the need to propagate in the background.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the node finished syncing.", testID)
		{
			defer leaktest.Check(t)()

			e := newEnv(t, 10, true, pool{{Nonce: 7}})

			ctx, cancel := context.WithCancel(context.Background())

			var wg sync.WaitGroup
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.reg.DistributeBlocks(ctx)
			}()
			go func() {
				defer wg.Done()
				e.reg.DistributeTransactions(ctx)
			}()

			_, connA := e.connect(t, "a", false, true)
			_, connB := e.connect(t, "b", false, true)
			e.reg.ProcessPending()

			require.Eventually(t, func() bool {
				return len(connA.received(wire.TransactionsCode)) == 1 && len(connB.received(wire.TransactionsCode)) == 1
			}, time.Second, 10*time.Millisecond)
			t.Logf("\t%s\tTest %d:\tShould send pending transactions to new peers.", success, testID)

			block := database.NewBlockRecord(database.Header{Number: 1, PrevHash: e.genesis.Hash()}, []byte{1})
			e.reg.OnNewForeignBlock(block, big.NewInt(2), "a")

			require.Eventually(t, func() bool {
				return len(connB.received(wire.NewBlockCode)) == 1
			}, time.Second, 10*time.Millisecond)
			require.Empty(t, connA.received(wire.NewBlockCode))
			t.Logf("\t%s\tTest %d:\tShould propagate imported blocks.", success, testID)

			cancel()
			wg.Wait()
		}
	}
}
