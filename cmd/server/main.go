/*
main.go - Application entry point

PURPOSE:
  Starts the Stamp Ledger server and exposes operator commands for the
  same ledger: schema migration, one-off stamp corrections, Holiday Gate
  lookups and integrity reconciliation.

COMMANDS:
  serve              Run the HTTP API (default deployment)
  migrate            Create or upgrade the schema and exit
  gate [RFC3339]     Print the Holiday Gate status for an instant
  stamp add CODE     Grant one stamp through the engine
  stamp remove CODE  Reverse the most recent stamp
  reconcile          Run the integrity check, exit non-zero on violations
  scenario load ID   Reset the store and seed a demo scenario

CONFIGURATION:
  Defaults < config file (--config, TOML or YAML) < STAMPLEDGER_* env vars
  < command-line flags.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (http.shutdown_timeout)
  3. Stop the integrity scheduler
  4. Close the store and flush the log file

EXAMPLES:
  # Development server on an in-memory ledger with demo scenarios
  ./server serve --driver=memory --dev

  # Production against Postgres
  STAMPLEDGER_STORAGE_DSN="postgres://..." ./server serve --driver=postgres

  # Correct a double scan at the counter
  ./server stamp remove MEM-2001

SEE ALSO:
  - config/config.go: Configuration layering
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	driver     string
	dsn        string
	logLevel   string
}

func rootCmd() *cobra.Command {
	var g globalFlags

	root := &cobra.Command{
		Use:           "stamp-ledger",
		Short:         "Stamp Ledger - loyalty stamp and reward engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (.toml or .yaml)")
	root.PersistentFlags().StringVar(&g.driver, "driver", "", "storage driver: memory, sqlite or postgres")
	root.PersistentFlags().StringVar(&g.dsn, "dsn", "", "storage DSN (sqlite path or postgres URL)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(serveCmd(&g))
	root.AddCommand(migrateCmd(&g))
	root.AddCommand(gateCmd(&g))
	root.AddCommand(stampCmd(&g))
	root.AddCommand(reconcileCmd(&g))
	root.AddCommand(scenarioCmd(&g))

	return root
}
