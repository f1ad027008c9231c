package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "hearthd - Self-hosted control plane for legacy connected thermostats",
	Long: `hearthd terminates the proprietary cloud protocol that legacy
connected thermostats speak: pairing, state sync, long-poll
subscriptions, and commands. State lives locally, an operator API
exposes it for tooling, and an MQTT bridge feeds home-automation
integrations.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hearthd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
}
