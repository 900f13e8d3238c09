package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Durable actor host with live state sync, RPC and MCP providers",
	Long: `agentd hosts named actor instances. Browsers and services attach over
WebSocket, share the actor's state, call its methods and watch it connect to
MCP tool providers on their behalf.

Running agentd without a subcommand starts the server (same as "agentd serve").

Configuration:
  Config file: ./config.yaml (or --config, or AGENTD_CONFIG)
  Environment: AGENTD_* variables override the file`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          serveRun,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agentd version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "agentd", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default ./config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(secretCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "agentd: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the config file: --config, then AGENTD_CONFIG, then
// ./config.yaml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if p := os.Getenv("AGENTD_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
