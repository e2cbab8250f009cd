package cmd

import (
	"github.com/spf13/cobra"

	"gitlab.com/inference-grid/routing-service/service"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the routing service",
	Long:  `Starts the HTTP API, the liveness tracker and the credit reconciliation loop, and blocks until interrupted.`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return service.Run()
	},
}
