package cmd

import (
	"strconv"

	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
)

// chainCmd groups the chain store commands.
var chainCmd = &cobra.Command{
	Use:   "chain",
	Short: "Inspect and prune the chain store",
}

var chainBestCmd = &cobra.Command{
	Use:   "best",
	Short: "Print the best block and the total difficulty",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChain(func(chain *chainstore.Store) error {
			best, err := chain.BestBlock()
			if err != nil {
				return err
			}

			minNumber, _ := chain.MinNumber()
			maxNumber, _ := chain.MaxNumber()

			return printJSON(struct {
				Hash            string `json:"hash"`
				Number          uint64 `json:"number"`
				TotalDifficulty string `json:"total_difficulty"`
				MinNumber       uint64 `json:"min_number"`
				MaxNumber       uint64 `json:"max_number"`
			}{
				Hash:            best.Hash().Hex(),
				Number:          best.Number(),
				TotalDifficulty: chain.TotalDifficulty().String(),
				MinNumber:       minNumber,
				MaxNumber:       maxNumber,
			})
		})
	},
}

var chainInfosCmd = &cobra.Command{
	Use:   "infos <number>",
	Short: "Print every block known at the number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}

		return withChain(func(chain *chainstore.Store) error {
			return printJSON(chain.BlockInfos(number))
		})
	},
}

var chainPruneCmd = &cobra.Command{
	Use:   "prune <number>",
	Short: "Delete the fork blocks at the number",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}

		return withChain(func(chain *chainstore.Store) error {
			return chain.DelNonChainBlocksByNumber(number)
		})
	},
}

var chainForkCmd = &cobra.Command{
	Use:   "fork <hash>",
	Short: "Delete the fork branch ending with the block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash := common.HexToHash(args[0])

		return withChain(func(chain *chainstore.Store) error {
			return chain.DelNonChainBlocksEndWith(hash)
		})
	},
}

var chainTrimCmd = &cobra.Command{
	Use:   "trim <number>",
	Short: "Delete the main chain blocks below the number, genesis excluded",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		number, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return err
		}

		return withChain(func(chain *chainstore.Store) error {
			return chain.DelChainBlocksWithNumberLessThan(number)
		})
	},
}

var chainCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the indexed blocks load and no height has two main chain blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withChain(func(chain *chainstore.Store) error {
			return chain.CheckSanity()
		})
	},
}

func init() {
	chainCmd.AddCommand(chainBestCmd, chainInfosCmd, chainPruneCmd, chainForkCmd, chainTrimCmd, chainCheckCmd)
	rootCmd.AddCommand(chainCmd)
}

// withChain runs the function against the opened chain store and closes
// it afterwards.
func withChain(f func(chain *chainstore.Store) error) error {
	chain, err := openChain()
	if err != nil {
		return err
	}

	if err := f(chain); err != nil {
		chain.Close()
		return err
	}

	return chain.Close()
}
