package filestore_test

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/filestore"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func newBlock(number uint64) database.BlockRecord {
	return database.NewBlockRecord(database.Header{
		Number:               number,
		TimeStamp:            1_700_000_000 + number,
		CumulativeDifficulty: big.NewInt(int64(number) * 100),
	}, []byte(fmt.Sprintf("body of block %d", number)))
}

func openStore(t testing.TB, dir string, strict bool) *filestore.Store[database.BlockRecord] {
	t.Helper()

	s, err := filestore.Open(filestore.Config[database.BlockRecord]{
		Dir:                 dir,
		MaxBlockFileSize:    256,
		IndexEntriesPerFile: 4,
		Codec:               filestore.BlockCodec{Codec: database.RLPCodec{}},
		Strict:              strict,
		EvHandler: func(v string, args ...any) {
			t.Logf(v, args...)
		},
	})
	require.NoError(t, err)

	return s
}

// =============================================================================

func Test_PutGet(t *testing.T) {
	t.Log("Given the need to store blocks by number.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen putting blocks in order.", testID)
		{
			dir := t.TempDir()
			s := openStore(t, dir, true)

			if s.MaxNumber() != 0 || s.StartNumber() != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould start empty at 1, got start %d max %d.", failed, testID, s.StartNumber(), s.MaxNumber())
			}
			t.Logf("\t%s\tTest %d:\tShould start empty at 1.", success, testID)

			for n := uint64(1); n <= 20; n++ {
				ok, err := s.Put(newBlock(n))
				if err != nil || !ok {
					t.Fatalf("\t%s\tTest %d:\tShould be able to put block %d: %v", failed, testID, n, err)
				}
			}
			t.Logf("\t%s\tTest %d:\tShould be able to put 20 blocks.", success, testID)

			require.Equal(t, uint64(20), s.MaxNumber())

			for n := uint64(1); n <= 20; n++ {
				block, err := s.Get(n)
				require.NoError(t, err)
				require.Equal(t, newBlock(n).Hash(), block.Hash())
			}
			t.Logf("\t%s\tTest %d:\tShould get every block back.", success, testID)

			_, err := s.Get(0)
			require.ErrorIs(t, err, filestore.ErrNotFound)
			_, err = s.Get(21)
			require.ErrorIs(t, err, filestore.ErrNotFound)
			t.Logf("\t%s\tTest %d:\tShould not find blocks outside the range.", success, testID)

			require.NoError(t, s.Close())

			s = openStore(t, dir, true)
			defer s.Close()

			require.Equal(t, uint64(20), s.MaxNumber())
			block, err := s.Get(7)
			require.NoError(t, err)
			require.Equal(t, newBlock(7).Hash(), block.Hash())
			t.Logf("\t%s\tTest %d:\tShould read blocks back after reopening.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen putting a number that is already stored.", testID)
		{
			s := openStore(t, t.TempDir(), true)
			defer s.Close()

			for n := uint64(1); n <= 3; n++ {
				_, err := s.Put(newBlock(n))
				require.NoError(t, err)
			}

			other := database.NewBlockRecord(database.Header{Number: 2, TimeStamp: 99}, []byte("other"))
			ok, err := s.Put(other)
			require.NoError(t, err)
			if ok {
				t.Fatalf("\t%s\tTest %d:\tShould refuse to overwrite block 2.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould refuse to overwrite block 2.", success, testID)

			block, err := s.Get(2)
			require.NoError(t, err)
			require.Equal(t, newBlock(2).Hash(), block.Hash())
			t.Logf("\t%s\tTest %d:\tShould keep the stored block.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen blocks arrive out of order.", testID)
		{
			s := openStore(t, t.TempDir(), true)
			defer s.Close()

			for _, n := range []uint64{1, 4, 3} {
				ok, err := s.Put(newBlock(n))
				require.NoError(t, err)
				require.True(t, ok)
			}

			require.Equal(t, uint64(1), s.MaxNumber())
			require.Equal(t, []uint64{3, 4}, s.PendingNumbers())

			block, err := s.Get(4)
			require.NoError(t, err)
			require.Equal(t, uint64(4), block.Number())
			t.Logf("\t%s\tTest %d:\tShould hold blocks after a gap in memory.", success, testID)

			_, err = s.Put(newBlock(2))
			require.NoError(t, err)

			require.Equal(t, uint64(4), s.MaxNumber())
			require.Empty(t, s.PendingNumbers())
			t.Logf("\t%s\tTest %d:\tShould write held blocks once the gap closes.", success, testID)
		}
	}
}

func Test_RollbackTo(t *testing.T) {
	t.Log("Given the need to drop blocks above a height.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen rolling back to the middle of the store.", testID)
		{
			dir := t.TempDir()
			s := openStore(t, dir, true)

			for n := uint64(1); n <= 15; n++ {
				_, err := s.Put(newBlock(n))
				require.NoError(t, err)
			}

			if err := s.RollbackTo(6); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to roll back: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to roll back.", success, testID)

			require.Equal(t, uint64(6), s.MaxNumber())
			_, err := s.Get(7)
			require.ErrorIs(t, err, filestore.ErrNotFound)

			ok, err := s.Put(newBlock(7))
			require.NoError(t, err)
			require.True(t, ok)
			t.Logf("\t%s\tTest %d:\tShould accept blocks after the kept height.", success, testID)

			require.NoError(t, s.Close())

			s = openStore(t, dir, true)
			defer s.Close()

			require.Equal(t, uint64(7), s.MaxNumber())
			t.Logf("\t%s\tTest %d:\tShould keep the rollback after reopening.", success, testID)

			require.NoError(t, s.RollbackTo(0))
			require.Equal(t, uint64(0), s.MaxNumber())
			t.Logf("\t%s\tTest %d:\tShould empty the store when rolling back below the start.", success, testID)

			require.ErrorIs(t, s.RollbackTo(5), filestore.ErrNotFound)
		}
	}
}

func Test_StartNumber(t *testing.T) {
	t.Log("Given the need to store blocks from a height other than 1.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen setting the start number to 1000.", testID)
		{
			dir := t.TempDir()
			s := openStore(t, dir, true)

			require.NoError(t, s.SetStartNumber(1000))
			require.Equal(t, uint64(999), s.MaxNumber())

			ok, err := s.Put(newBlock(1000))
			require.NoError(t, err)
			require.True(t, ok)

			_, err = s.Get(999)
			require.ErrorIs(t, err, filestore.ErrNotFound)
			require.NoError(t, s.Close())

			s = openStore(t, dir, true)
			defer s.Close()

			if s.StartNumber() != 1000 || s.MaxNumber() != 1000 {
				t.Fatalf("\t%s\tTest %d:\tShould persist the start number, got start %d max %d.", failed, testID, s.StartNumber(), s.MaxNumber())
			}
			t.Logf("\t%s\tTest %d:\tShould persist the start number.", success, testID)

			block, err := s.Get(1000)
			require.NoError(t, err)
			require.Equal(t, newBlock(1000).Hash(), block.Hash())
		}
	}
}

func Test_Sanity(t *testing.T) {
	t.Log("Given the need to detect a corrupted store on open.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the last payload was truncated.", testID)
		{
			dir := t.TempDir()
			s := openStore(t, dir, true)
			for n := uint64(1); n <= 3; n++ {
				_, err := s.Put(newBlock(n))
				require.NoError(t, err)
			}
			require.NoError(t, s.Close())

			path := filepath.Join(dir, "blocks", "blk00000.dat")
			info, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, info.Size()-4))

			_, err = filestore.Open(filestore.Config[database.BlockRecord]{
				Dir:                 dir,
				MaxBlockFileSize:    256,
				IndexEntriesPerFile: 4,
				Codec:               filestore.BlockCodec{Codec: database.RLPCodec{}},
				Strict:              true,
			})
			if err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould refuse to open in strict mode.", failed, testID)
			}
			require.ErrorIs(t, err, filestore.ErrCorrupted)
			t.Logf("\t%s\tTest %d:\tShould refuse to open in strict mode.", success, testID)

			s = openStore(t, dir, false)
			defer s.Close()

			require.Equal(t, uint64(3), s.MaxNumber())
			t.Logf("\t%s\tTest %d:\tShould open in lenient mode.", success, testID)
		}
	}
}

// =============================================================================

// Test_AppendOnlyProperty puts random sequences of numbers and checks that
// numbers at or below the max are always refused without changing what is
// stored, and that every stored block reads back unchanged.
func Test_AppendOnlyProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir, err := os.MkdirTemp("", "filestore")
		if err != nil {
			rt.Fatal(err)
		}
		defer os.RemoveAll(dir)

		s, err := filestore.Open(filestore.Config[database.BlockRecord]{
			Dir:                 dir,
			MaxBlockFileSize:    128,
			IndexEntriesPerFile: 3,
			Codec:               filestore.BlockCodec{Codec: database.RLPCodec{}},
			Strict:              true,
		})
		if err != nil {
			rt.Fatal(err)
		}
		defer s.Close()

		numbers := rapid.SliceOfN(rapid.Uint64Range(1, 30), 1, 60).Draw(rt, "numbers")
		for _, n := range numbers {
			max := s.MaxNumber()

			ok, err := s.Put(newBlock(n))
			if err != nil {
				rt.Fatal(err)
			}

			if n <= max && ok {
				rt.Fatalf("put of %d accepted with max %d", n, max)
			}
			if s.MaxNumber() < max {
				rt.Fatalf("max went down from %d to %d", max, s.MaxNumber())
			}
		}

		for n := uint64(1); n <= s.MaxNumber(); n++ {
			block, err := s.Get(n)
			if err != nil {
				rt.Fatal(err)
			}
			if block.Hash() != newBlock(n).Hash() || string(block.Body) != string(newBlock(n).Body) {
				rt.Fatalf("block %d changed", n)
			}
		}
	})
}
