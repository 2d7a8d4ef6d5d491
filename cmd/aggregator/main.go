// Package main is the entry point for the polis-aggregator binary.
// It serves aggregation pipelines and offers offline tooling for the
// documents that configure them.
package main

import (
	"fmt"
	"os"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

const defaultConfigPath = "aggregator.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-aggregator.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-aggregator",
		Short: "Request aggregation gateway",
		Long: `Serves declarative aggregation pipelines: each configured route fans out to
HTTP, gRPC, SQL or static sources and assembles one response.

Example:
  polis-aggregator serve --config aggregator.yaml
  polis-aggregator check configs/*.yaml
  polis-aggregator list --dir configs`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "Path to configuration file (YAML)")

	rootCmd.AddCommand(newServeCmd(), newCheckCmd(), newListCmd())
	return rootCmd
}
