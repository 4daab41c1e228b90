package worker_test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/genesis"
	"github.com/ardanlabs/blocksync/foundation/blockchain/kvstore/memory"
	"github.com/ardanlabs/blocksync/foundation/blockchain/state"
	"github.com/ardanlabs/blocksync/foundation/blockchain/worker"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func ifErrFailNow(t *testing.T, err error) {
	if err != nil {
		t.Error(err)
		t.FailNow()
	}
}

var gen = genesis.Genesis{
	Date:       time.Unix(1_700_000_000, 0).UTC(),
	NetworkID:  7,
	Difficulty: 1,
}

func branch(parent database.BlockRecord, length int) []blockqueue.BlockWrapper {
	blocks := make([]blockqueue.BlockWrapper, 0, length)
	for range length {
		td := new(big.Int).Add(parent.CumulativeDifficulty(), big.NewInt(10))
		parent = database.NewBlockRecord(database.Header{
			Number:               parent.Number() + 1,
			PrevHash:             parent.Hash(),
			TimeStamp:            parent.Header.TimeStamp + 60,
			CumulativeDifficulty: td,
		}, nil)
		blocks = append(blocks, blockqueue.NewBlockWrapper(parent, "remote", false))
	}

	return blocks
}

func newState(t *testing.T) *state.State {
	t.Helper()

	s, err := state.New(state.Config{
		NodeID:       "local",
		Host:         "localhost:9080",
		Genesis:      gen,
		KV:           memory.New(),
		QueueDir:     t.TempDir(),
		SyncDisabled: true,
		EvHandler: func(v string, args ...any) {
			t.Logf(v, args...)
		},
	})
	ifErrFailNow(t, err)

	ifErrFailNow(t, s.AwaitQueue(context.Background()))

	return s
}

// =============================================================================

func Test_Worker(t *testing.T) {
	t.Log("Given the need to run the node's background processing.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen blocks are waiting in the queue.", testID)
		{
			f := func() {
				s := newState(t)
				defer func() {
					ifErrFailNow(t, s.Shutdown())
				}()

				worker.Run(s, worker.Config{RetryDelay: 10 * time.Millisecond}, func(v string, args ...any) {
					t.Logf(v, args...)
				})

				err := s.EnqueueBlocks(branch(gen.Block(), 5))
				ifErrFailNow(t, err)

				imported := func() bool { return s.BestNumber() == 5 }
				require.Eventually(t, imported, 5*time.Second, 10*time.Millisecond, "\t%s\tTest %d:\tShould import the queued blocks.", failed, testID)
				t.Logf("\t%s\tTest %d:\tShould import the queued blocks.", success, testID)

				require.True(t, s.Queue().IsEmpty(), "\t%s\tTest %d:\tShould drain the queue.", failed, testID)
				t.Logf("\t%s\tTest %d:\tShould drain the queue.", success, testID)
			}

			f()
		}

		testID++
		t.Logf("\tTest %d:\tWhen the node shuts down.", testID)
		{
			f := func() {
				defer leaktest.CheckTimeout(t, 5*time.Second)()

				s := newState(t)
				worker.Run(s, worker.Config{}, nil)

				ifErrFailNow(t, s.Shutdown())
			}

			f()
			t.Logf("\t%s\tTest %d:\tShould stop every goroutine.", success, testID)
		}
	}
}
