package filestore

import (
	"testing"

	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/stretchr/testify/require"
)

func TestIndexFailureRollsBackPayload(t *testing.T) {
	s, err := Open(Config[database.BlockRecord]{
		Dir:   t.TempDir(),
		Codec: BlockCodec{Codec: database.RLPCodec{}},
	})
	require.NoError(t, err)
	defer s.Close()

	for n := uint64(1); n <= 2; n++ {
		ok, err := s.Put(database.NewBlockRecord(database.Header{Number: n}, []byte("payload")))
		require.NoError(t, err)
		require.True(t, ok)
	}

	file, before := s.blocks.Location()

	// A closed index fails every write that follows.
	require.NoError(t, s.index.Close())

	_, err = s.Put(database.NewBlockRecord(database.Header{Number: 3}, []byte("orphan")))
	require.ErrorIs(t, err, ErrFatal)

	afterFile, after := s.blocks.Location()
	require.Equal(t, file, afterFile)
	require.Equal(t, before, after, "payload segment must be back at its prior size")
	require.Equal(t, uint64(2), s.MaxNumber())

	_, err = s.Get(1)
	require.ErrorIs(t, err, ErrFatal, "store must refuse work after a fatal error")
}
