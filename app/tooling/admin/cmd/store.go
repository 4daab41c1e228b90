package cmd

import (
	"strconv"

	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/ardanlabs/blocksync/foundation/blockchain/filestore"
	"github.com/spf13/cobra"
)

// storeCmd groups the commands working on a block file store, the archive
// format the main chain can be exported to.
var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Export the main chain to a block file store and inspect it",
}

var (
	exportFrom uint64
	exportTo   uint64
)

var storeExportCmd = &cobra.Command{
	Use:   "export <dir>",
	Short: "Append the main chain blocks to the file store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileStore(args[0], func(store *filestore.Store[database.BlockRecord]) error {
			return withChain(func(chain *chainstore.Store) error {
				from := max(exportFrom, store.MaxNumber()+1)

				to := exportTo
				if best, err := chain.BestBlock(); err == nil && (to == 0 || to > best.Number()) {
					to = best.Number()
				}

				var written int
				for n := from; n <= to; n++ {
					block, err := chain.ChainBlockByNumber(n)
					if err != nil {
						return err
					}

					ok, err := store.Put(block)
					if err != nil {
						return err
					}
					if ok {
						written++
					}
				}

				log.Infow("export", "dir", args[0], "from", from, "to", to, "written", written)

				return nil
			})
		})
	},
}

var storeInfoCmd = &cobra.Command{
	Use:   "info <dir>",
	Short: "Print the numbers the file store holds",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFileStore(args[0], func(store *filestore.Store[database.BlockRecord]) error {
			return printJSON(struct {
				StartNumber uint64   `json:"start_number"`
				MaxNumber   uint64   `json:"max_number"`
				Pending     []uint64 `json:"pending,omitempty"`
			}{
				StartNumber: store.StartNumber(),
				MaxNumber:   store.MaxNumber(),
				Pending:     store.PendingNumbers(),
			})
		})
	},
}

var storeGetCmd = &cobra.Command{
	Use:   "get <dir> <number>",
	Short: "Print the block stored at the number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}

		return withFileStore(args[0], func(store *filestore.Store[database.BlockRecord]) error {
			block, err := store.Get(number)
			if err != nil {
				return err
			}

			return printJSON(struct {
				Hash  string               `json:"hash"`
				Block database.BlockRecord `json:"block"`
			}{
				Hash:  block.Hash().Hex(),
				Block: block,
			})
		})
	},
}

var storeRollbackCmd = &cobra.Command{
	Use:   "rollback <dir> <number>",
	Short: "Truncate the file store so the number is the last one held",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}

		return withFileStore(args[0], func(store *filestore.Store[database.BlockRecord]) error {
			return store.RollbackTo(number)
		})
	},
}

var storeStartCmd = &cobra.Command{
	Use:   "startno <dir> <number>",
	Short: "Reset the file store to begin at the number",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}

		return withFileStore(args[0], func(store *filestore.Store[database.BlockRecord]) error {
			return store.SetStartNumber(number)
		})
	},
}

func init() {
	storeExportCmd.Flags().Uint64Var(&exportFrom, "from", 1, "First number to export.")
	storeExportCmd.Flags().Uint64Var(&exportTo, "to", 0, "Last number to export, the best block when 0.")

	storeCmd.AddCommand(storeExportCmd, storeInfoCmd, storeGetCmd, storeRollbackCmd, storeStartCmd)
	rootCmd.AddCommand(storeCmd)
}

// withFileStore runs the function against the file store in the directory
// and closes it afterwards.
func withFileStore(dir string, f func(store *filestore.Store[database.BlockRecord]) error) error {
	store, err := filestore.Open(filestore.Config[database.BlockRecord]{
		Dir:       dir,
		Codec:     filestore.BlockCodec{Codec: database.RLPCodec{}},
		EvHandler: ev,
	})
	if err != nil {
		return err
	}

	if err := f(store); err != nil {
		store.Close()
		return err
	}

	return store.Close()
}
