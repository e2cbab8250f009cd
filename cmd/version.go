package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the routing service version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Inference Routing Service Version: %s\n", Version)
	},
}
