package main

import (
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/conductor"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the session gateway",
	Long: `Serve client websockets on /api/query?session_id=<id>, queue every message
as a task and relay the session's responses back. Stored artifacts are served
on /artifacts/{id}.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runService((*conductor.Services).RunGateway)
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
