package chainstore_test

import (
	"math/big"
	"testing"

	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/leveldb"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/memory"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// child builds the block following parent. The tag separates blocks of
// different branches at the same height.
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

func genesis() database.BlockRecord {
	return database.NewBlockRecord(database.Header{
		TimeStamp:            1_700_000_000,
		CumulativeDifficulty: big.NewInt(1),
	}, nil)
}

// buildChain saves genesis and a main chain up to height and returns the
// blocks indexed by height.
func buildChain(s *chainstore.Store, height uint64) []database.BlockRecord {
	blocks := []database.BlockRecord{genesis()}
	s.SaveBlock(blocks[0], blocks[0].CumulativeDifficulty(), true)

	for n := uint64(1); n <= height; n++ {
		block := child(blocks[n-1], 'm')
		s.SaveBlock(block, block.CumulativeDifficulty(), true)
		blocks = append(blocks, block)
	}

	return blocks
}

// buildFork saves a non main chain branch on top of parent and returns its
// blocks from the lowest height up.
func buildFork(s *chainstore.Store, parent database.BlockRecord, length int, tag byte) []database.BlockRecord {
	var blocks []database.BlockRecord
	for range length {
		block := child(parent, tag)
		s.SaveBlock(block, block.CumulativeDifficulty(), false)
		blocks = append(blocks, block)
		parent = block
	}

	return blocks
}

func openMemory(t testing.TB, kv kvstore.KV, strict bool) *chainstore.Store {
	t.Helper()

	s, err := chainstore.Open(chainstore.Config{
		KV:     kv,
		Codec:  database.RLPCodec{},
		Strict: strict,
	})
	require.NoError(t, err)

	return s
}

func mainCount(s *chainstore.Store, number uint64) int {
	var main int
	for _, info := range s.BlockInfos(number) {
		if info.MainChain {
			main++
		}
	}

	return main
}

// =============================================================================

func Test_SaveQuery(t *testing.T) {
	t.Log("Given the need to record blocks and query the main chain.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen saving a chain of 10 blocks.", testID)
		{
			s := openMemory(t, memory.New(), true)
			defer s.Close()

			_, err := s.BestBlock()
			require.ErrorIs(t, err, chainstore.ErrNotFound)
			t.Logf("\t%s\tTest %d:\tShould report no best block when empty.", success, testID)

			blocks := buildChain(s, 10)

			best, err := s.BestBlock()
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to get the best block: %v", failed, testID, err)
			}
			require.Equal(t, blocks[10].Hash(), best.Hash())
			t.Logf("\t%s\tTest %d:\tShould get the tip as the best block.", success, testID)

			max, ok := s.MaxNumber()
			require.True(t, ok)
			require.Equal(t, uint64(10), max)

			require.Equal(t, 0, s.TotalDifficulty().Cmp(blocks[10].CumulativeDifficulty()))
			require.Equal(t, 0, s.TotalDifficultyForHash(blocks[4].Hash()).Cmp(blocks[4].CumulativeDifficulty()))
			require.Equal(t, int64(0), s.TotalDifficultyForHash(database.ZeroHash).Int64())
			t.Logf("\t%s\tTest %d:\tShould report cumulative difficulties.", success, testID)

			hashes, err := s.ListHashesEndWith(blocks[6].Hash(), 3)
			require.NoError(t, err)
			require.Equal(t, []database.Hash{blocks[6].Hash(), blocks[5].Hash(), blocks[4].Hash()}, hashes)

			hashes, err = s.ListHashesEndWith(blocks[1].Hash(), 5)
			require.NoError(t, err)
			require.Len(t, hashes, 2)

			require.Equal(t, []database.Hash{blocks[9].Hash(), blocks[10].Hash()}, s.ListHashesStartWith(9, 5))
			t.Logf("\t%s\tTest %d:\tShould list hashes in both directions.", success, testID)

			require.Equal(t, blocks[3].Header.TimeStamp, s.BlockTimeByNumber(3))
			require.Equal(t, uint64(0), s.BlockTimeByNumber(11))
			t.Logf("\t%s\tTest %d:\tShould report block times.", success, testID)
		}
	}
}

func Test_FlushReopen(t *testing.T) {
	t.Log("Given the need to persist the index across restarts.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen flushing to leveldb and reopening.", testID)
		{
			dir := t.TempDir()

			kv, err := leveldb.New(dir)
			require.NoError(t, err)

			s := openMemory(t, kv, true)
			blocks := buildChain(s, 5)
			fork := buildFork(s, blocks[3], 2, 'f')

			if err := s.Flush(); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to flush: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to flush.", success, testID)
			require.NoError(t, s.Close())

			kv, err = leveldb.New(dir)
			require.NoError(t, err)

			s = openMemory(t, kv, true)
			defer s.Close()

			best, err := s.BestBlock()
			require.NoError(t, err)
			require.Equal(t, blocks[5].Hash(), best.Hash())

			atFour, err := s.BlocksByNumber(4)
			require.NoError(t, err)
			require.Len(t, atFour, 2)

			require.True(t, s.IsBlockExist(fork[1].Hash()))
			t.Logf("\t%s\tTest %d:\tShould load blocks and forks back.", success, testID)
		}
	}
}

func Test_Reorg(t *testing.T) {
	t.Log("Given the need to switch the main chain to a heavier fork.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a fork from height 6 reaches height 9 on a chain of 10.", testID)
		{
			s := openMemory(t, memory.New(), true)
			defer s.Close()

			blocks := buildChain(s, 10)
			fork := buildFork(s, blocks[6], 3, 'f')
			tip := fork[len(fork)-1]

			undo, adopt, err := s.ForkBlocksInfo(tip)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould find the common ancestor: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould find the common ancestor.", success, testID)

			if len(undo) != 4 || len(adopt) != 3 {
				t.Fatalf("\t%s\tTest %d:\tShould undo 4 and adopt 3, got %d and %d.", failed, testID, len(undo), len(adopt))
			}
			require.Equal(t, blocks[10].Hash(), undo[0].Hash())
			require.Equal(t, blocks[7].Hash(), undo[3].Hash())
			require.Equal(t, tip.Hash(), adopt[0].Hash())
			require.Equal(t, fork[0].Hash(), adopt[2].Hash())
			t.Logf("\t%s\tTest %d:\tShould collect both branches above the ancestor.", success, testID)

			require.Equal(t, blocks[8].Header.TimeStamp, s.BlockTimeByNumber(8))

			s.ReBranchBlocks(undo, adopt)

			best, err := s.BestBlock()
			require.NoError(t, err)
			require.Equal(t, tip.Hash(), best.Hash())
			t.Logf("\t%s\tTest %d:\tShould make the fork tip the best block.", success, testID)

			for n := uint64(0); n <= 10; n++ {
				require.LessOrEqual(t, mainCount(s, n), 1)
			}
			require.Equal(t, 0, mainCount(s, 10))

			hash, err := s.BlockHashByNumber(8)
			require.NoError(t, err)
			require.Equal(t, fork[1].Hash(), hash)
			require.Equal(t, fork[1].Header.TimeStamp, s.BlockTimeByNumber(8))
			t.Logf("\t%s\tTest %d:\tShould keep one main chain block per height.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the fork doesn't connect to known blocks.", testID)
		{
			s := openMemory(t, memory.New(), true)
			defer s.Close()

			blocks := buildChain(s, 5)

			orphanParent := child(blocks[2], 'x')
			orphan := child(orphanParent, 'x')
			s.SaveBlock(orphan, orphan.CumulativeDifficulty(), false)

			_, _, err := s.ForkBlocksInfo(orphan)
			if err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould fail to find an ancestor.", failed, testID)
			}
			require.ErrorIs(t, err, chainstore.ErrNoCommonAncestor)
			t.Logf("\t%s\tTest %d:\tShould fail to find an ancestor.", success, testID)

			best, err := s.BestBlock()
			require.NoError(t, err)
			require.Equal(t, blocks[5].Hash(), best.Hash())
			t.Logf("\t%s\tTest %d:\tShould leave the main chain alone.", success, testID)
		}
	}
}

func Test_Prune(t *testing.T) {
	t.Log("Given the need to prune forks and old history.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen deleting forks and heights.", testID)
		{
			kv := memory.New()
			s := openMemory(t, kv, true)
			defer s.Close()

			blocks := buildChain(s, 8)
			forkA := buildFork(s, blocks[4], 2, 'a')
			forkB := buildFork(s, blocks[4], 1, 'b')
			require.NoError(t, s.Flush())

			require.NoError(t, s.DelNonChainBlock(blocks[5].Hash()))
			require.True(t, s.IsBlockExist(blocks[5].Hash()))
			t.Logf("\t%s\tTest %d:\tShould refuse to delete a main chain block by hash.", success, testID)

			require.NoError(t, s.DelNonChainBlocksEndWith(forkA[1].Hash()))
			require.False(t, s.IsBlockExist(forkA[0].Hash()))
			require.False(t, s.IsBlockExist(forkA[1].Hash()))
			require.True(t, s.IsBlockExist(blocks[4].Hash()))
			t.Logf("\t%s\tTest %d:\tShould delete a fork branch down to the main chain.", success, testID)

			require.NoError(t, s.DelNonChainBlocksByNumber(5))
			require.False(t, s.IsBlockExist(forkB[0].Hash()))
			require.Len(t, s.BlockInfos(5), 1)
			t.Logf("\t%s\tTest %d:\tShould keep only the main chain block at a height.", success, testID)

			require.ErrorIs(t, s.DelChainBlockByNumber(0), chainstore.ErrGenesisDelete)
			t.Logf("\t%s\tTest %d:\tShould refuse to delete genesis.", success, testID)

			require.NoError(t, s.DelChainBlocksWithNumberLessThan(4))
			for n := uint64(1); n <= 3; n++ {
				require.Empty(t, s.BlockInfos(n))
				require.False(t, s.IsBlockExist(blocks[n].Hash()))
			}
			require.True(t, s.IsBlockExist(blocks[0].Hash()))
			require.True(t, s.IsBlockExist(blocks[4].Hash()))
			t.Logf("\t%s\tTest %d:\tShould delete every height below the mark except genesis.", success, testID)

			require.NoError(t, s.DelChainBlockByNumber(8))
			max, _ := s.MaxNumber()
			require.Equal(t, uint64(7), max)
			t.Logf("\t%s\tTest %d:\tShould lower the max height.", success, testID)

			require.NoError(t, s.CheckSanity())
		}
	}
}

func Test_Sanity(t *testing.T) {
	t.Log("Given the need to detect an index pointing at missing blocks.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen a block is removed from the backend.", testID)
		{
			kv := memory.New()
			s := openMemory(t, kv, true)
			blocks := buildChain(s, 3)
			require.NoError(t, s.Flush())

			keys, err := kv.Keys()
			require.NoError(t, err)

			// Drop one block's bytes behind the store's back.
			for _, key := range keys {
				data, err := kv.Get(key)
				require.NoError(t, err)

				var codec database.RLPCodec
				if block, err := codec.DecodeBlock(data); err == nil && block.Hash() == blocks[2].Hash() {
					require.NoError(t, kv.Delete(key))
				}
			}

			if err := s.Load(); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould fail the load in strict mode.", failed, testID)
			}
			require.ErrorIs(t, s.CheckSanity(), chainstore.ErrCorrupted)
			t.Logf("\t%s\tTest %d:\tShould fail the load in strict mode.", success, testID)

			lenient := openMemory(t, kv, false)
			best, err := lenient.BestBlock()
			require.NoError(t, err)
			require.Equal(t, blocks[3].Hash(), best.Hash())
			t.Logf("\t%s\tTest %d:\tShould load in lenient mode.", success, testID)
		}
	}
}

// =============================================================================

// Test_ReorgProperty builds a main chain and a fork off a random ancestor
// and checks the undo and adopt lists and the main chain after the reorg.
func Test_ReorgProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		height := rapid.Uint64Range(1, 30).Draw(rt, "height")
		ancestor := rapid.Uint64Range(0, height-1).Draw(rt, "ancestor")
		forkHeight := rapid.Uint64Range(ancestor+1, height+5).Draw(rt, "forkHeight")

		s, err := chainstore.Open(chainstore.Config{KV: memory.New()})
		if err != nil {
			rt.Fatal(err)
		}
		defer s.Close()

		blocks := buildChain(s, height)
		fork := buildFork(s, blocks[ancestor], int(forkHeight-ancestor), 'f')
		tip := fork[len(fork)-1]

		undo, adopt, err := s.ForkBlocksInfo(tip)
		if err != nil {
			rt.Fatal(err)
		}

		if uint64(len(undo)) != height-ancestor {
			rt.Fatalf("undo %d blocks, exp %d", len(undo), height-ancestor)
		}
		if uint64(len(adopt)) != forkHeight-ancestor {
			rt.Fatalf("adopt %d blocks, exp %d", len(adopt), forkHeight-ancestor)
		}

		s.ReBranchBlocks(undo, adopt)

		best, err := s.BestBlock()
		if err != nil {
			rt.Fatal(err)
		}
		if best.Hash() != tip.Hash() {
			rt.Fatalf("best block %s, exp fork tip %s", best, tip)
		}

		max, _ := s.MaxNumber()
		for n := uint64(0); n <= max; n++ {
			if mainCount(s, n) > 1 {
				rt.Fatalf("height %d has more than one main chain block", n)
			}
		}
	})
}
