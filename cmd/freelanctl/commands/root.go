package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// client talks to the freelan daemon's admin HTTP API, built in
	// PersistentPreRunE once --addr is known.
	client *adminClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's admin HTTP address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for freelanctl.
var rootCmd = &cobra.Command{
	Use:   "freelanctl",
	Short: "CLI client for the freelan daemon",
	Long:  "freelanctl talks to the freelan daemon's admin HTTP API to inspect and greet peers.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAdminClient(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8080",
		"freelan daemon admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
