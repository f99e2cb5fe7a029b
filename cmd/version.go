package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// versionCmd prints the build version injected by main.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the forgerelay version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("forgerelay version %s\n", rootCmd.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
