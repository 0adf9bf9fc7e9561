// Package commands implements the gobusdctl CLI commands.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon admin address (host:port) for the
	// ConnectRPC connection.
	serverAddr string
)

// rootCmd is the top-level cobra command for gobusdctl.
var rootCmd = &cobra.Command{
	Use:   "gobusdctl",
	Short: "CLI client for the gobusd message broker",
	Long:  "gobusdctl communicates with the gobusd daemon via ConnectRPC to inspect peers, names, and bus statistics.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		initClients(serverAddr)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7667",
		"gobusd admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(peerCmd())
	rootCmd.AddCommand(nameCmd())
	rootCmd.AddCommand(statsCmd())
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
