// Command warden supervises a long-running autonomous LLM worker:
// it feeds tasks to a conversation backend, recovers from crashes with
// bounded retries, compacts the context window as it ages, and
// escalates to a human when automated recovery is exhausted.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/neboloop/warden/internal/logging"
)

var (
	flagConfig string
	flagDebug  bool
)

func main() {
	// Load .env file if present (ignore error if not found)
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "warden",
		Short: "Supervisor for a long-running autonomous agent",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if flagDebug {
				logging.SetDebug()
			}
		},
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config.yaml (default ~/.warden/config.yaml)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")

	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
