package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid configuration).
	ExitCodeError = 1
)

// rootCmd represents the base command for the forgerelay application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "forgerelay",
	Short: "Relay between a cloud chat client and an operator-controlled machine",
	Long: `forgerelay is a single-process relay that lets a cloud-hosted chat
client reach one operator-controlled machine (a game-engine editor and
a local coding agent) through a public endpoint, without exposing that
machine to the internet.

It brokers OAuth against an external identity provider, holds the two
long-lived streaming connections per user, and correlates tool calls
arriving on the client stream with results posted on the node stream.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// Called from the main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "forgerelay version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}
