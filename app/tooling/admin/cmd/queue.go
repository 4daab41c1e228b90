package cmd

import (
	"context"
	"path/filepath"
	"strconv"

	"github.com/ardanlabs/blocksync/foundation/blockchain/blockqueue"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

// queueCmd groups the unprocessed block queue commands.
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the blocks waiting for insertion",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the numbers waiting for insertion",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(queue *blockqueue.Queue) error {
			return printJSON(queue.Numbers())
		})
	},
}

var queueRollbackCmd = &cobra.Command{
	Use:   "rollback <number>",
	Short: "Drop the queued blocks above the number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}

		return withQueue(func(queue *blockqueue.Queue) error {
			return queue.RollbackTo(number)
		})
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd, queueRollbackCmd)
	rootCmd.AddCommand(queueCmd)
}

// withQueue opens the queue against the chain's best block, runs the
// function and closes both.
func withQueue(f func(queue *blockqueue.Queue) error) error {
	return withChain(func(chain *chainstore.Store) error {
		bestNumber := func() uint64 {
			best, err := chain.BestBlock()
			if err != nil {
				return 0
			}
			return best.Number()
		}

		queue, err := blockqueue.Open(blockqueue.Config{
			Dir:        filepath.Join(dataDir, "queue"),
			Codec:      database.RLPCodec{},
			BestNumber: bestNumber,
			EvHandler:  ev,
		})
		if err != nil {
			return err
		}

		if err := queue.AwaitInit(context.Background()); err != nil {
			queue.Close()
			return err
		}

		if err := f(queue); err != nil {
			queue.Close()
			return err
		}

		return queue.Close()
	})
}
