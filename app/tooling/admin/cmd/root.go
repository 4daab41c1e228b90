// Package cmd contains the admin commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ardanlabs/blocksync/business/sys/kv"
	"github.com/ardanlabs/blocksync/foundation/blockchain/chainstore"
	"github.com/ardanlabs/blocksync/foundation/blockchain/database"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dataDir string
	backend string
	verbose bool
	log     *zap.SugaredLogger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Inspect and repair a stopped node's stores",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data", "d", "zblock/data", "Data directory of the node.")
	rootCmd.PersistentFlags().StringVarP(&backend, "backend", "b", kv.LevelDB, "Key value backend holding the chain.")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log the store events.")
}

// Execute runs the command named on the command line.
func Execute(build string, l *zap.SugaredLogger) error {
	log = l
	rootCmd.Version = build

	return rootCmd.Execute()
}

// =============================================================================

// ev logs the store events when asked to.
func ev(v string, args ...any) {
	if verbose {
		log.Infow(fmt.Sprintf(v, args...))
	}
}

// openChain opens the chain store kept in the data directory.
func openChain() (*chainstore.Store, error) {
	db, err := kv.Open(backend, filepath.Join(dataDir, "chain"))
	if err != nil {
		return nil, err
	}

	chain, err := chainstore.Open(chainstore.Config{
		KV:        db,
		Codec:     database.RLPCodec{},
		EvHandler: ev,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return chain, nil
}

// printJSON writes the value as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
